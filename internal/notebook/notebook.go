// Package notebook converts chat transcripts into Jupyter notebooks
// (nbformat 4.4). Export builds the typed document tree; Marshal renders it.
package notebook

import (
	"strings"

	"grandmaster/internal/transcript"
)

// Kind is the type of a notebook cell.
type Kind string

const (
	Markdown Kind = "markdown"
	Code     Kind = "code"
)

// Format version written to every document. Minor version 4 is the last one
// that does not require per-cell ids.
const (
	FormatMajor = 4
	FormatMinor = 4
)

// UserLabel is the heading used for messages typed by the human.
const UserLabel = "User"

// Cell is one unit of an exported notebook. Code cells are never executed.
type Cell struct {
	Kind   Kind
	Source []string
	// Language is the fence tag of a code cell. It is informational only and
	// is not written to the notebook.
	Language string
}

// Text returns the cell source joined back into a single string.
func (c Cell) Text() string { return strings.Join(c.Source, "") }

// Metadata is the document-level envelope.
type Metadata struct {
	Kernel   KernelSpec
	Language LanguageInfo
}

type KernelSpec struct {
	DisplayName string
	Language    string
	Name        string
}

type LanguageInfo struct {
	Name              string
	Version           string
	FileExtension     string
	MimeType          string
	CodeMirrorMode    string
	CodeMirrorVersion int
	NBConvertExporter string
	PygmentsLexer     string
}

// DefaultMetadata is the envelope used for every export: a Python 3 kernel.
func DefaultMetadata() Metadata {
	return Metadata{
		Kernel: KernelSpec{
			DisplayName: "Python 3",
			Language:    "python",
			Name:        "python3",
		},
		Language: LanguageInfo{
			Name:              "python",
			Version:           "3.10.12",
			FileExtension:     ".py",
			MimeType:          "text/x-python",
			CodeMirrorMode:    "ipython",
			CodeMirrorVersion: 3,
			NBConvertExporter: "python",
			PygmentsLexer:     "ipython3",
		},
	}
}

// Document is a complete notebook.
type Document struct {
	Cells    []Cell
	Metadata Metadata
}

// NameResolver maps a speaker id to the label used in cell headings.
// Implementations must not fail; unknown ids resolve to the id itself.
type NameResolver interface {
	DisplayName(speakerID string) string
}

// Export converts a transcript into a new Document. Pending or blank messages
// produce no cells. Each exported message contributes a heading cell followed
// by the cells Split finds in its content, in transcript order.
func Export(msgs []transcript.Message, names NameResolver) *Document {
	doc := &Document{Cells: []Cell{}, Metadata: DefaultMetadata()}
	for _, m := range msgs {
		doc.Cells = append(doc.Cells, MessageCells(m, names)...)
	}
	return doc
}

// MessageCells returns the cells a single message exports to.
func MessageCells(m transcript.Message, names NameResolver) []Cell {
	if m.Pending || strings.TrimSpace(m.Content) == "" {
		return nil
	}
	heading := Cell{Kind: Markdown, Source: []string{"### " + speakerLabel(m.SpeakerID, names)}}
	return append([]Cell{heading}, Split(m.Content)...)
}

func speakerLabel(id string, names NameResolver) string {
	if id == transcript.SpeakerUser {
		return UserLabel
	}
	if names == nil {
		return id
	}
	if name := names.DisplayName(id); name != "" {
		return name
	}
	return id
}

// CountKinds returns the number of markdown and code cells in the document.
func (d *Document) CountKinds() (markdown, code int) {
	for _, c := range d.Cells {
		switch c.Kind {
		case Markdown:
			markdown++
		case Code:
			code++
		}
	}
	return markdown, code
}
