package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jacktea/gcsfs/pkg/auth"
	"github.com/jacktea/gcsfs/pkg/gcs"
	"github.com/jacktea/gcsfs/pkg/gcsurl"
	"github.com/jacktea/gcsfs/pkg/server/fuse"
	"github.com/jacktea/gcsfs/pkg/server/nfs"
	"github.com/jacktea/gcsfs/pkg/xerrors"
	"github.com/jacktea/gcsfs/pkg/zone"
)

func isOutOfRange(err error) bool {
	return xerrors.Is(err, xerrors.KindOutOfRange)
}

type app struct {
	ctx     context.Context
	backend *gcs.Filesystem
}

func (a *app) ensureBackend() error {
	if a.backend != nil {
		return nil
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	_ = cancel // released on process exit

	opts, err := buildOptions()
	if err != nil {
		return err
	}
	a.ctx = ctx
	a.backend = gcs.New(opts)
	return nil
}

// buildOptions layers flag/config values over the GCS_* environment
// defaults.
func buildOptions() (gcs.Options, error) {
	opts := gcs.OptionsFromEnv()

	opts.TokenProvider = auth.Static{Value: viper.GetString("token")}
	if viper.GetBool("metadata_zone") {
		opts.ZoneProvider = zone.Metadata{}
	} else {
		opts.ZoneProvider = zone.Static{Value: viper.GetString("zone")}
	}

	if v := viper.GetInt64("block-size-mb"); v > 0 {
		opts.BlockSize = v << 20
		opts.MaxBytes = 2 * opts.BlockSize
	}
	if v := viper.GetInt64("cache-max-mb"); v > 0 {
		opts.MaxBytes = v << 20
	}
	if v := viper.GetDuration("stat-cache-ttl"); v > 0 {
		opts.StatCacheMaxAge = v
	}
	if v := viper.GetDuration("match-cache-ttl"); v > 0 {
		opts.MatchingPathsCacheMaxAge = v
	}
	if v := viper.GetFloat64("requests-per-second"); v > 0 {
		opts.Throttle = rate.NewLimiter(rate.Limit(v), int(v)+1)
	}
	if endpoint := viper.GetString("api-endpoint"); endpoint != "" {
		endpoint = strings.TrimSuffix(endpoint, "/")
		opts.JSONEndpoint = endpoint + "/storage/v1"
		opts.MediaEndpoint = endpoint
		opts.UploadEndpoint = endpoint + "/upload/storage/v1"
	}
	return opts, nil
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "gcsfs",
		Short:         "gcsfs Cloud Storage filesystem CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureBackend()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gcsfs")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "gcsfs"))
		}
	}
	viper.SetEnvPrefix("GCSFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("token", "", "OAuth bearer token for requests")
	rootCmd.PersistentFlags().String("zone", "", "compute zone for the 'auto' location constraint")
	rootCmd.PersistentFlags().Bool("metadata-zone", false, "discover the zone from the GCE metadata server")
	rootCmd.PersistentFlags().Int64("block-size-mb", 0, "read cache block size in MiB (0 keeps env/default)")
	rootCmd.PersistentFlags().Int64("cache-max-mb", 0, "read cache capacity in MiB (0 keeps env/default)")
	rootCmd.PersistentFlags().Duration("stat-cache-ttl", 0, "stat cache entry lifetime (0 keeps env/default)")
	rootCmd.PersistentFlags().Duration("match-cache-ttl", 0, "matching-paths cache entry lifetime (0 keeps env/default)")
	rootCmd.PersistentFlags().Float64("requests-per-second", 0, "request throttle (0 disables)")
	rootCmd.PersistentFlags().String("api-endpoint", "", "override the API endpoint (testing and private frontends)")

	bindConfig("token", rootCmd.PersistentFlags().Lookup("token"))
	bindConfig("zone", rootCmd.PersistentFlags().Lookup("zone"))
	bindConfig("metadata_zone", rootCmd.PersistentFlags().Lookup("metadata-zone"))
	bindConfig("block-size-mb", rootCmd.PersistentFlags().Lookup("block-size-mb"))
	bindConfig("cache-max-mb", rootCmd.PersistentFlags().Lookup("cache-max-mb"))
	bindConfig("stat-cache-ttl", rootCmd.PersistentFlags().Lookup("stat-cache-ttl"))
	bindConfig("match-cache-ttl", rootCmd.PersistentFlags().Lookup("match-cache-ttl"))
	bindConfig("requests-per-second", rootCmd.PersistentFlags().Lookup("requests-per-second"))
	bindConfig("api-endpoint", rootCmd.PersistentFlags().Lookup("api-endpoint"))
}

func initCommands() {
	rootCmd.AddCommand(
		newStatCmd(),
		newLsCmd(),
		newCatCmd(),
		newPutCmd(),
		newRmCmd(),
		newRmdirCmd(),
		newRmtreeCmd(),
		newMkdirCmd(),
		newMvCmd(),
		newGlobCmd(),
		newMountCmd(),
		newServeNFSCmd(),
	)
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat gs://bucket/path",
		Short: "Print size, mtime, and kind of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := application.backend.Stat(application.ctx, args[0])
			if err != nil {
				return err
			}
			kind := "file"
			if st.IsDirectory {
				kind = "directory"
			}
			fmt.Printf("%s\t%d\t%s\t%s\n", args[0], st.Length,
				time.Unix(0, st.MtimeNanos).UTC().Format(time.RFC3339), kind)
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls gs://bucket/dir",
		Short: "List the children of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			children, err := application.backend.GetChildren(application.ctx, args[0])
			if err != nil {
				return err
			}
			for _, child := range children {
				fmt.Println(child)
			}
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat gs://bucket/file",
		Short: "Write a file's contents to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(application.ctx, application.backend, args[0], os.Stdout)
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file|-> gs://bucket/file",
		Short: "Upload stdin or a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := io.Reader(os.Stdin)
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			return doPut(application.ctx, application.backend, args[1], src)
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm gs://bucket/file",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.backend.DeleteFile(application.ctx, args[0])
		},
	}
}

func newRmdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir gs://bucket/dir",
		Short: "Delete an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.backend.DeleteDir(application.ctx, args[0])
		},
	}
}

func newRmtreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmtree gs://bucket/dir",
		Short: "Delete a directory tree, best effort",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, dirs, err := application.backend.DeleteRecursively(application.ctx, args[0])
			if files > 0 || dirs > 0 {
				fmt.Fprintf(os.Stderr, "left behind: %d files, %d directories\n", files, dirs)
			}
			return err
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir gs://bucket/dir",
		Short: "Create a directory marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.backend.CreateDir(application.ctx, args[0])
		},
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv gs://bucket/src gs://bucket/dst",
		Short: "Rename an object or a directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.backend.RenameFile(application.ctx, args[0], args[1])
		},
	}
}

func newGlobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "glob 'gs://bucket/pattern*'",
		Short: "Expand a wildcard pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := application.backend.GetMatchingPaths(application.ctx, args[0])
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func newMountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount gs://bucket <mountpoint>",
		Short: "Mount a bucket via FUSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, _, err := gcsurl.Parse(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Mounting gs://%s at %s\n", bucket, args[1])
			return fuse.Mount(application.ctx, application.backend, bucket, args[1])
		},
	}
}

func newServeNFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-nfs gs://bucket",
		Short: "Export a bucket over NFS",
		Args:  cobra.ExactArgs(1),
	}
	addr := cmd.Flags().String("addr", ":2049", "listen address")
	export := cmd.Flags().String("export", "/", "subtree of the bucket to export")
	handleCache := cmd.Flags().Int("handle-cache", 1024, "file handle cache size")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		bucket, _, err := gcsurl.Parse(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Serving NFS on %s (gs://%s%s)\n", *addr, bucket, *export)
		return nfs.ServeWithOptions(application.ctx, application.backend, bucket, *addr, nfs.Options{
			Export:      *export,
			HandleCache: *handleCache,
		})
	}
	return cmd
}

// doCat streams a file to w in fixed-size reads.
func doCat(ctx context.Context, backend *gcs.Filesystem, uri string, w io.Writer) error {
	file, err := backend.NewRandomAccessFile(ctx, uri)
	if err != nil {
		return err
	}
	buf := make([]byte, 1<<20)
	for offset := int64(0); ; {
		n, err := file.Read(ctx, offset, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err != nil {
			if isOutOfRange(err) {
				return nil
			}
			return err
		}
	}
}

// doPut uploads everything from r as one object.
func doPut(ctx context.Context, backend *gcs.Filesystem, uri string, r io.Reader) error {
	file, err := backend.NewWritableFile(ctx, uri)
	if err != nil {
		return err
	}
	buf := make([]byte, 1<<20)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if aerr := file.Append(buf[:n]); aerr != nil {
				return aerr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return file.Close(ctx)
}
