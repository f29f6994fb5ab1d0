// Command aplsctl is a small operator CLI over an APLS data directory: put,
// get, delete, scan, stats, and manual checkpoint.
package main

import (
	"fmt"
	"os"

	"github.com/aplsdb/apls/engine"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	dataDir  string
	pageSize uint32
	verbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "aplsctl",
		Short: "Operate on an APLS embedded storage engine data directory",
	}
	root.PersistentFlags().StringVar(&dataDir, "dir", ".", "data directory")
	root.PersistentFlags().Uint32Var(&pageSize, "page-size", 4096, "page size (set when a data directory is created; must match an existing one)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), scanCmd(), statsCmd(), checkpointCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openEngine() (*engine.Engine, error) {
	cfg := engine.DefaultConfig()
	cfg.PageSize = pageSize
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	cfg.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return engine.Open(dataDir, cfg)
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Insert or update a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Put([]byte(args[0]), []byte(args[1]))
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Look up a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			v, err := e.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Delete([]byte(args[0]))
		},
	}
}

func scanCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Iterate all keys in order, or [--start, --end] if given",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			var it interface {
				Next() bool
				Key() []byte
				Value() []byte
			}
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				it, err = e.Range([]byte(start), []byte(end))
			} else {
				it, err = e.Scan()
			}
			if err != nil {
				return err
			}
			for it.Next() {
				fmt.Printf("%s\t%s\n", it.Key(), it.Value())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "inclusive range start")
	cmd.Flags().StringVar(&end, "end", "", "inclusive range end")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print point-in-time engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			s := e.Stats()
			fmt.Printf("keys=%d pages=%d generation=%d hits=%d misses=%d evictions=%d wal_bytes=%d\n",
				s.NumKeys, s.NumPages, s.Generation, s.CacheHits, s.CacheMisses, s.Evictions, s.WALBytes)
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Truncate the write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Checkpoint()
		},
	}
}
