// Package epg turns XMLTV documents into per-channel XMLTV files and feeds
// the splitter from either a watched directory or a remote URL.
package epg

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tlejmi/fastocloud-epg/internal/logging"
)

const (
	tvTag        = "tv"
	programmeTag = "programme"
	channelAttr  = "channel"
)

const xmltvPreamble = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
	"<!DOCTYPE tv SYSTEM \"xmltv.dtd\">\n" +
	"<tv generator-info-name=\"dvb-epg-gen\">\n"

const xmltvPostamble = "</tv>\n"

// ErrNoTVTag is returned when a document has no root <tv> element.
var ErrNoTVTag = errors.New("epg: can't find tv tag")

// Result summarizes one split run.
type Result struct {
	Channels   int
	Programmes int
}

// channelFile is one open per-channel output.
type channelFile struct {
	f   *os.File
	buf *bufio.Writer
	enc *xml.Encoder
}

// fileSet is the per-document mapping channel id -> open writer. Each file
// is opened exactly once per document, with the XMLTV preamble already
// written.
type fileSet struct {
	dir   string
	files map[string]*channelFile
}

func newFileSet(dir string) *fileSet {
	return &fileSet{dir: dir, files: make(map[string]*channelFile)}
}

// getOrOpen returns the writer for channel, opening it on first use.
func (s *fileSet) getOrOpen(channel string) (*channelFile, error) {
	if cf, ok := s.files[channel]; ok {
		return cf, nil
	}

	path := filepath.Join(s.dir, channel+".xml")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("epg: open %s: %w", path, err)
	}

	buf := bufio.NewWriter(f)
	if _, err := buf.WriteString(xmltvPreamble); err != nil {
		f.Close()
		return nil, fmt.Errorf("epg: write preamble %s: %w", path, err)
	}

	cf := &channelFile{f: f, buf: buf, enc: xml.NewEncoder(buf)}
	s.files[channel] = cf
	return cf, nil
}

// finish appends the postamble to every open file and closes it.
func (s *fileSet) finish() error {
	var firstErr error
	for _, cf := range s.files {
		if _, err := cf.buf.WriteString(xmltvPostamble); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := cf.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := cf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*channelFile)
	return firstErr
}

// discard closes every open file without the postamble. Error path only.
func (s *fileSet) discard() {
	for _, cf := range s.files {
		cf.buf.Flush()
		cf.f.Close()
	}
	s.files = make(map[string]*channelFile)
}

// SplitFile parses an XMLTV document from disk and writes one file per
// distinct channel into outDir.
func SplitFile(path, outDir string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("epg: open %s: %w", path, err)
	}
	defer f.Close()

	return Split(f, outDir)
}

// Split reads an XMLTV document and writes the subset of <programme>
// elements for each channel id, in source order, into <outDir>/<id>.xml.
// Every output file is a well-formed XMLTV document. All files are closed
// on success and on every error path.
func Split(r io.Reader, outDir string) (Result, error) {
	log := logging.Component("epg")
	dec := xml.NewDecoder(r)

	if err := seekTVTag(dec); err != nil {
		return Result{}, err
	}

	set := newFileSet(outDir)
	res := Result{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			set.discard()
			return Result{}, fmt.Errorf("epg: xml parse error: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != programmeTag {
			if err := dec.Skip(); err != nil {
				set.discard()
				return Result{}, fmt.Errorf("epg: xml parse error: %w", err)
			}
			continue
		}

		channel := attrValue(start, channelAttr)
		if channel == "" {
			if err := dec.Skip(); err != nil {
				set.discard()
				return Result{}, fmt.Errorf("epg: xml parse error: %w", err)
			}
			continue
		}

		cf, err := set.getOrOpen(channel)
		if err != nil {
			log.Warn().Str("channel", channel).Err(err).Msg("can't open channel file")
			if err := dec.Skip(); err != nil {
				set.discard()
				return Result{}, fmt.Errorf("epg: xml parse error: %w", err)
			}
			continue
		}

		if err := copyElement(dec, cf, start); err != nil {
			set.discard()
			return Result{}, err
		}
		res.Programmes++
	}

	res.Channels = len(set.files)
	if err := set.finish(); err != nil {
		return res, fmt.Errorf("epg: close channel files: %w", err)
	}
	log.Info().Int("channels", res.Channels).Int("programmes", res.Programmes).
		Msg("epg file processing finished")
	return res, nil
}

// seekTVTag advances the decoder to just inside the root <tv> element.
func seekTVTag(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return ErrNoTVTag
		}
		if err != nil {
			return fmt.Errorf("epg: xml parse error: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local == tvTag {
				return nil
			}
			return ErrNoTVTag
		}
	}
}

// copyElement streams one element, start token included, to the channel
// file's encoder.
func copyElement(dec *xml.Decoder, cf *channelFile, start xml.StartElement) error {
	if err := cf.enc.EncodeToken(start); err != nil {
		return fmt.Errorf("epg: write programme: %w", err)
	}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("epg: xml parse error: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
		if err := cf.enc.EncodeToken(tok); err != nil {
			return fmt.Errorf("epg: write programme: %w", err)
		}
	}

	if err := cf.enc.Flush(); err != nil {
		return fmt.Errorf("epg: write programme: %w", err)
	}
	if _, err := cf.buf.WriteString("\n"); err != nil {
		return fmt.Errorf("epg: write programme: %w", err)
	}
	return nil
}

func attrValue(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
