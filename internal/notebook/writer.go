package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"grandmaster/internal/domain"
)

const (
	// MimeType is the registered media type for .ipynb files.
	MimeType = "application/x-ipynb+json"
	// DefaultFilename is used when the caller does not name the export.
	DefaultFilename = "grandmaster-solution.ipynb"
)

type nbDocument struct {
	Cells         []any      `json:"cells"`
	Metadata      nbMetadata `json:"metadata"`
	NBFormat      int        `json:"nbformat"`
	NBFormatMinor int        `json:"nbformat_minor"`
}

type nbMetadata struct {
	KernelSpec   nbKernelSpec   `json:"kernelspec"`
	LanguageInfo nbLanguageInfo `json:"language_info"`
}

type nbKernelSpec struct {
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	Name        string `json:"name"`
}

type nbLanguageInfo struct {
	CodeMirrorMode    nbCodeMirror `json:"codemirror_mode"`
	FileExtension     string       `json:"file_extension"`
	MimeType          string       `json:"mimetype"`
	Name              string       `json:"name"`
	NBConvertExporter string       `json:"nbconvert_exporter"`
	PygmentsLexer     string       `json:"pygments_lexer"`
	Version           string       `json:"version"`
}

type nbCodeMirror struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// nbformat 4.4 forbids execution_count and outputs on markdown cells, so the
// two cell kinds get separate wire types.
type nbMarkdownCell struct {
	CellType string         `json:"cell_type"`
	Metadata map[string]any `json:"metadata"`
	Source   []string       `json:"source"`
}

type nbCodeCell struct {
	CellType       string         `json:"cell_type"`
	ExecutionCount *int           `json:"execution_count"`
	Metadata       map[string]any `json:"metadata"`
	Outputs        []any          `json:"outputs"`
	Source         []string       `json:"source"`
}

func toWire(doc *Document) (*nbDocument, error) {
	out := &nbDocument{
		Cells:         make([]any, 0, len(doc.Cells)),
		NBFormat:      FormatMajor,
		NBFormatMinor: FormatMinor,
		Metadata: nbMetadata{
			KernelSpec: nbKernelSpec{
				DisplayName: doc.Metadata.Kernel.DisplayName,
				Language:    doc.Metadata.Kernel.Language,
				Name:        doc.Metadata.Kernel.Name,
			},
			LanguageInfo: nbLanguageInfo{
				CodeMirrorMode: nbCodeMirror{
					Name:    doc.Metadata.Language.CodeMirrorMode,
					Version: doc.Metadata.Language.CodeMirrorVersion,
				},
				FileExtension:     doc.Metadata.Language.FileExtension,
				MimeType:          doc.Metadata.Language.MimeType,
				Name:              doc.Metadata.Language.Name,
				NBConvertExporter: doc.Metadata.Language.NBConvertExporter,
				PygmentsLexer:     doc.Metadata.Language.PygmentsLexer,
				Version:           doc.Metadata.Language.Version,
			},
		},
	}

	for i, c := range doc.Cells {
		src := c.Source
		if src == nil {
			src = []string{}
		}
		switch c.Kind {
		case Markdown:
			out.Cells = append(out.Cells, nbMarkdownCell{
				CellType: string(Markdown),
				Metadata: map[string]any{},
				Source:   src,
			})
		case Code:
			out.Cells = append(out.Cells, nbCodeCell{
				CellType: string(Code),
				Metadata: map[string]any{},
				Outputs:  []any{},
				Source:   src,
			})
		default:
			return nil, fmt.Errorf("cell %d: unknown cell kind %q", i, c.Kind)
		}
	}
	return out, nil
}

// Marshal renders doc as nbformat JSON: one-space indentation, as Jupyter
// writes it, and a trailing newline.
func Marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes doc to w as nbformat JSON.
func Encode(w io.Writer, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("notebook: nil document")
	}
	wire, err := toWire(doc)
	if err != nil {
		return fmt.Errorf("notebook: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wire); err != nil {
		return fmt.Errorf("notebook: encode: %w", err)
	}
	return nil
}

// NewAttachment serializes doc into a file ready for channel delivery.
func NewAttachment(doc *Document, filename string) (*domain.Attachment, error) {
	data, err := Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &domain.Attachment{
		Filename: NormalizeFilename(filename),
		MimeType: MimeType,
		Data:     data,
	}, nil
}

// NormalizeFilename returns a safe base filename ending in .ipynb.
func NormalizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == '"' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return DefaultFilename
	}
	if !strings.HasSuffix(strings.ToLower(name), ".ipynb") {
		name += ".ipynb"
	}
	return name
}
