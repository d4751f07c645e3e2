package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ariana-dot-dev/ariana-sub006/internal/agent/lifecycle"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/driver"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/reservation"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and fill the warm machine pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print pool size, pending requests and status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, s, err := openPoolStorage()
		if err != nil {
			return err
		}
		defer func() { _ = s.close() }()

		lc := lifecycle.NewService(s.repo, events.NewEmitter(s.repo, bus.NewMemoryEventBus(log), "cli", log), lifecycle.DefaultConfig(), log)
		stats, err := reservation.New(s.store, lc, cfg.Reservation.PoolTarget, log).Stats(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := s.store.ListPool(cmd.Context())
		if err != nil {
			return err
		}
		return printPoolStatus(cmd.OutOrStdout(), stats, len(entries))
	},
}

var poolImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Park the machines listed in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		machines, err := loadPoolFile(args[0])
		if err != nil {
			return err
		}
		cfg, log, s, err := openPoolStorage()
		if err != nil {
			return err
		}
		defer func() { _ = s.close() }()

		var resolver driver.AddressResolver
		if needsResolution(machines) {
			d, err := driver.New(cfg.Machines, nil, log)
			if err != nil {
				return err
			}
			r, ok := d.(driver.AddressResolver)
			if !ok {
				return fmt.Errorf("machine driver %q cannot resolve addresses; set address for every machine", d.Name())
			}
			resolver = r
		}

		n, err := importMachines(cmd.Context(), s.store, resolver, machines, log)
		fmt.Fprintf(cmd.OutOrStdout(), "parked %d of %d machines\n", n, len(machines))
		return err
	},
}

func init() {
	poolCmd.AddCommand(poolStatusCmd, poolImportCmd)
}

// poolFile is the YAML document accepted by `pool import`.
type poolFile struct {
	Machines []poolMachine `yaml:"machines"`
}

type poolMachine struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Ready   *bool  `yaml:"ready"`
}

func (m poolMachine) ready() bool {
	return m.Ready == nil || *m.Ready
}

func loadPoolFile(path string) ([]poolMachine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool file: %w", err)
	}
	return parsePoolFile(data)
}

func parsePoolFile(data []byte) ([]poolMachine, error) {
	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pool file: %w", err)
	}
	seen := make(map[string]bool, len(f.Machines))
	for i, m := range f.Machines {
		if m.ID == "" {
			return nil, fmt.Errorf("machines[%d]: id is required", i)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("machines[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}
	return f.Machines, nil
}

func needsResolution(machines []poolMachine) bool {
	for _, m := range machines {
		if m.Address == "" {
			return true
		}
	}
	return false
}

// importMachines parks each machine, skipping ones already pooled. It returns
// how many were added.
func importMachines(ctx context.Context, st *store.Store, resolver driver.AddressResolver, machines []poolMachine, log *logger.Logger) (int, error) {
	var added int
	var errs []error
	for _, m := range machines {
		address := m.Address
		if address == "" {
			var err error
			if address, err = resolver.ResolveAddress(ctx, m.ID); err != nil {
				errs = append(errs, fmt.Errorf("resolve %s: %w", m.ID, err))
				continue
			}
		}
		_, err := st.AddToPool(ctx, m.ID, address, m.ready())
		switch {
		case errors.Is(err, store.ErrMachineExists):
			log.WithMachineID(m.ID).Info("Machine already pooled, skipping")
		case err != nil:
			errs = append(errs, fmt.Errorf("park %s: %w", m.ID, err))
		default:
			added++
			log.WithMachineID(m.ID).Debug("Machine parked", zap.String("address", address))
		}
	}
	return added, errors.Join(errs...)
}

func openPoolStorage() (*config.Config, *logger.Logger, *services, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := provideStorage(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, s, nil
}

func printPoolStatus(w io.Writer, stats reservation.PoolStats, total int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STATUS\t%s\n", stats.Status)
	fmt.Fprintf(tw, "READY\t%d\n", stats.PoolSize)
	fmt.Fprintf(tw, "POOLED\t%d\n", total)
	fmt.Fprintf(tw, "TARGET\t%d\n", stats.Target)
	fmt.Fprintf(tw, "PENDING REQUESTS\t%d\n", stats.Pending)
	return tw.Flush()
}
