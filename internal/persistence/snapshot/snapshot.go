// Package snapshot stores large binary payloads as a zstd stream holding a
// one-line JSON header followed by a gob body. The header can be read without
// decoding the body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Header is the common prefix of every container header. Callers embed it in
// their own header struct.
type Header struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
}

var ErrKind = errors.New("snapshot kind mismatch")

// Write stores header and body at path, replacing any previous file only once
// the new one is fully written.
func Write(path string, header, body any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(body); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type reader struct {
	f   *os.File
	dec *zstd.Decoder
	br  *bufio.Reader
}

func open(path string) (*reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &reader{f: f, dec: dec, br: bufio.NewReaderSize(dec, 256*1024)}, nil
}

func (r *reader) close() {
	r.dec.Close()
	_ = r.f.Close()
}

func (r *reader) header(h any) error {
	line, err := r.br.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, h); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	return nil
}

// ReadHeader decodes only the header line of the container at path.
func ReadHeader(path string, header any) error {
	r, err := open(path)
	if err != nil {
		return err
	}
	defer r.close()
	return r.header(header)
}

// Read decodes both header and body.
func Read(path string, header, body any) error {
	r, err := open(path)
	if err != nil {
		return err
	}
	defer r.close()
	if err := r.header(header); err != nil {
		return err
	}
	if err := gob.NewDecoder(r.br).Decode(body); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}

// Check returns ErrKind when h does not describe a container of the given
// kind and version.
func (h Header) Check(kind string, version int) error {
	if h.Kind != kind || h.Version != version {
		return fmt.Errorf("%w: have %s/v%d want %s/v%d", ErrKind, h.Kind, h.Version, kind, version)
	}
	return nil
}
