package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nightofknife/aura/internal/plugin"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

func newPackageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Build distributable plugin packages",
	}
	cmd.AddCommand(newPackageBuildCmd())
	return cmd
}

func newPackageBuildCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "build <plugin_dir>",
		Short: "Archive a plugin directory into a .tar.gz package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Clean(args[0])
			m, err := plugin.ParseManifest(filepath.Join(dir, plugin.ManifestName))
			if err != nil {
				return err
			}
			if output == "" {
				version := m.Version
				if version == "" {
					version = "0.0.0"
				}
				output = fmt.Sprintf("%s-%s.tar.gz", m.Name, version)
			}
			if err := buildArchive(dir, output); err != nil {
				return err
			}
			fmt.Println(output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output archive path")
	return cmd
}

// buildArchive writes dir's tree as a gzipped tarball. Entries are stored
// relative to the plugin root so extraction recreates the directory layout.
func buildArchive(dir, out string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return auraerr.NewValidation("plugin_dir", "%q is not a directory", dir)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// Never pack hidden files or a previously built archive sitting in
		// the plugin root.
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".tar.gz") {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}
