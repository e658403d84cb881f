package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bleepstore/s3filestore/internal/filestore"
)

// openInput opens path for reading; "-" is stdin.
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func newEnsureBucketCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-bucket",
		Short: "Create the configured bucket if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				return store.EnsureBucket(ctx)
			})
		},
	}
}

func newPutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <path|->",
		Short: "Store a local file and print its generated name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				in, err := openInput(args[0])
				if err != nil {
					return err
				}
				defer in.Close()

				name, err := store.SaveNewFile(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), name)
				return nil
			})
		},
	}
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	var (
		offset int64
		length int64
		output string
	)

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Write a file, or a byte range of it, to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				var (
					body io.ReadCloser
					err  error
				)
				if offset != 0 || length >= 0 {
					body, err = store.GetFileRange(ctx, args[0], offset, length)
				} else {
					body, err = store.GetFile(ctx, args[0])
				}
				if err != nil {
					return err
				}
				defer body.Close()

				out := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				_, err = io.Copy(out, body)
				return err
			})
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to read")
	cmd.Flags().Int64Var(&length, "length", -1, "number of bytes to read (default: to the end)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List file names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				names, err := store.GetFileList(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newStatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <name>",
		Short: "Show the size and content type of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				size, err := store.GetFileSize(ctx, args[0])
				if err != nil {
					return err
				}
				mime, err := store.GetMimeType(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "name:         %s\n", args[0])
				fmt.Fprintf(w, "size:         %d (%s)\n", size, humanize.IBytes(uint64(size)))
				fmt.Fprintf(w, "content type: %s\n", mime)
				return nil
			})
		},
	}
}

func newRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name> [<name>...]",
		Short: "Delete files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				if len(args) == 1 {
					_, err := store.DeleteFile(ctx, args[0])
					return err
				}
				notDeleted, err := store.DeleteFiles(ctx, args)
				if err != nil {
					return err
				}
				for _, name := range notDeleted {
					fmt.Fprintf(cmd.ErrOrStderr(), "not deleted: %s\n", name)
				}
				if len(notDeleted) > 0 {
					return fmt.Errorf("%d of %d files not deleted", len(notDeleted), len(args))
				}
				return nil
			})
		},
	}
}

func newAppendCmd(flags *globalFlags) *cobra.Command {
	var offset int64

	cmd := &cobra.Command{
		Use:   "append <name> <path|->",
		Short: "Append a local file to a stored file",
		Long: "Append a local file to a stored file. Without --offset the current " +
			"length is looked up first; with it the call fails unless the file is exactly that long.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				name := args[0]
				at := offset
				if at < 0 {
					size, err := store.GetFileSize(ctx, name)
					if err != nil {
						return err
					}
					at = size
				}

				in, err := openInput(args[1])
				if err != nil {
					return err
				}
				defer in.Close()

				length, err := store.AppendToFile(ctx, in, name, at)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), length)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", -1, "expected current length of the file")
	return cmd
}

func newTruncateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "truncate <name> <length>",
		Short: "Shorten a file to the given length",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			length, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid length %q: %w", args[1], err)
			}
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				return store.SetFileLength(ctx, length, args[0])
			})
		},
	}
}

func newWipeCmd(flags *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every file under the configured prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete all files without --yes")
			}
			return withStorage(cmd, flags, func(ctx context.Context, store *filestore.FileStorage) error {
				return store.Remove(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting every file")
	return cmd
}
