// Command nvstool generates, dumps, and inspects NVS partition images
// offline, speaking the same binary format as the on-device engine.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/espkv/nvs"
	"github.com/espkv/nvs/flash"
	"github.com/espkv/nvs/partition"
)

func main() {
	root := &cobra.Command{
		Use:   "nvstool",
		Short: "NVS partition image tool",
		Long:  "nvstool builds NVS partition images from CSV or YAML descriptions,\ndumps existing images back to CSV, and prints partition statistics.",
	}

	root.AddCommand(generateCmd(), dumpCmd(), infoCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func generateCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "generate <input.csv|input.yaml> <output.bin>",
		Short: "Build a partition image from a CSV or YAML description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, output := args[0], args[1]

			if size%partition.SectorSize != 0 {
				return fmt.Errorf("size %d is not a multiple of %d", size, partition.SectorSize)
			}

			in, err := os.Open(input)
			if err != nil {
				return err
			}
			defer in.Close()

			baseDir := filepath.Dir(input)
			var part *partition.Partition
			switch strings.ToLower(filepath.Ext(input)) {
			case ".yaml", ".yml":
				part, err = partition.ParseYAML(in, baseDir)
			default:
				part, err = partition.ParseCSV(in, baseDir)
			}
			if err != nil {
				return err
			}

			s := newSpinner(cmd, fmt.Sprintf(" generating %s", output))
			image, err := partition.Generate(part, size/partition.SectorSize)
			s.Stop()
			if err != nil {
				return err
			}

			if err := os.WriteFile(output, image, 0o644); err != nil {
				return fmt.Errorf("failed to write image: %w", err)
			}

			cmd.Printf("wrote %d entries to %s (%d sectors)\n", len(part.Entries), output, size/partition.SectorSize)
			return nil
		},
	}

	cmd.Flags().IntVar(&size, "size", 4*partition.SectorSize, "partition size in bytes (sector multiple)")
	return cmd
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <input.bin> <output.csv>",
		Short: "Dump a partition image back to CSV",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			s := newSpinner(cmd, fmt.Sprintf(" parsing %s", args[0]))
			part, err := partition.Parse(image)
			s.Stop()
			if err != nil {
				return err
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer out.Close()

			if err := partition.WriteCSV(out, part); err != nil {
				return err
			}

			cmd.Printf("dumped %d entries to %s\n", len(part.Entries), args[1])
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <input.bin>",
		Short: "Print page and entry statistics of a partition image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			store, err := nvs.Open(0, uint32(len(image)), flash.NewMemFlashFromData(image))
			if err != nil {
				return err
			}

			stats, err := store.Statistics()
			if err != nil {
				return err
			}

			cmd.Printf("pages: %d empty, %d active, %d full, %d erasing, %d corrupted\n",
				stats.Pages.Empty, stats.Pages.Active, stats.Pages.Full, stats.Pages.Erasing, stats.Pages.Corrupted)
			cmd.Printf("entries: %d written, %d erased, %d empty, %d illegal\n",
				stats.EntriesOverall.Written, stats.EntriesOverall.Erased, stats.EntriesOverall.Empty, stats.EntriesOverall.Illegal)
			for i, page := range stats.EntriesPerPage {
				cmd.Printf("  page %3d: %3d written, %3d erased, %3d empty, %3d illegal\n",
					i, page.Written, page.Erased, page.Empty, page.Illegal)
			}
			return nil
		},
	}
}

func newSpinner(cmd *cobra.Command, suffix string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = suffix
	s.Start()
	return s
}
