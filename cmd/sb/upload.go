package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	var (
		configPath string
		mimeType   string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a media file and print its handle",
		Long: `Runs the resumable upload protocol for FILE and prints the media handle
to use in a template header component.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, configPath, args[0], name, mimeType)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&mimeType, "type", "t", "", "MIME type (default: from the file extension)")
	cmd.Flags().StringVar(&name, "name", "", "file name sent to the platform (default: base name of FILE)")
	return cmd
}

func runUpload(cmd *cobra.Command, configPath, path, name, mimeType string) error {
	if mimeType == "" {
		mimeType = mediaTypeOf(path)
	}
	if mimeType == "" {
		return fmt.Errorf("cannot infer MIME type of %s; pass --type", path)
	}
	if name == "" {
		name = filepath.Base(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.uploads()
	if err != nil {
		return err
	}
	handle, err := m.UploadFile(cmd.Context(), f, name, mimeType)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), handle)
	return nil
}

// mediaTypeOf infers the MIME type of path from its extension, without
// parameters such as charset. It returns "" when the extension is unknown.
func mediaTypeOf(path string) string {
	mt, _, err := mime.ParseMediaType(mime.TypeByExtension(filepath.Ext(path)))
	if err != nil {
		return ""
	}
	return mt
}
