package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"grandmaster/internal/channel"
	"grandmaster/internal/notebook"
	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

func exportCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Convert a saved transcript into a Jupyter notebook",
		Long: "Reads a transcript dump (the JSON served by GET /api/transcript, or a bare array of\n" +
			"messages) and writes it as an .ipynb notebook. Use - for stdin/stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			names, err := loadPersonas(cfg)
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(exportDir(cfg), cfg.Export.Filename)
			}
			md, code, err := exportFile(in, out, names)
			if err != nil {
				return err
			}
			if out != "-" {
				logger.Info("notebook written", "path", out, "markdown", md, "code", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "-", "transcript JSON file")
	cmd.Flags().StringVarP(&out, "out", "o", "", "notebook path (default: <export dir>/<export filename>)")
	return cmd
}

// exportFile converts the transcript at inPath into a notebook at outPath.
func exportFile(inPath, outPath string, names *persona.Registry) (markdown, code int, err error) {
	var r io.Reader = os.Stdin
	if inPath != "-" {
		f, err := os.Open(inPath)
		if err != nil {
			return 0, 0, fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		r = f
	}

	msgs, err := readTranscript(r)
	if err != nil {
		return 0, 0, err
	}
	doc := notebook.Export(msgs, names)
	markdown, code = doc.CountKinds()

	if outPath == "-" {
		return markdown, code, notebook.Encode(os.Stdout, doc)
	}
	if filepath.Ext(outPath) == "" {
		outPath += ".ipynb"
	}
	data, err := notebook.Marshal(doc)
	if err != nil {
		return 0, 0, err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, 0, fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return 0, 0, fmt.Errorf("write notebook: %w", err)
	}
	return markdown, code, nil
}

// readTranscript accepts either a TranscriptDump object or a bare message
// array.
func readTranscript(r io.Reader) ([]transcript.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var msgs []transcript.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("parse transcript: %w", err)
		}
		return msgs, nil
	}
	var dump channel.TranscriptDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	return dump.Messages, nil
}
