package backup

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/nvandessel/reverie/internal/store"
)

// FormatVersion is the archive layout written by Write.
const FormatVersion = 1

// MaxDecompressedSize bounds the decoded payload of an archive (512MB).
const MaxDecompressedSize = 512 << 20

// Ext is the file extension of archives.
const Ext = ".reverie.zst"

// ErrChecksum is returned when an archive payload does not match its header.
var ErrChecksum = errors.New("archive checksum mismatch")

// Header is the plain-text first line of an archive. It can be read without
// decompressing the payload.
type Header struct {
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Checksum  string            `json:"checksum"`
	SimCode   string            `json:"sim_code"`
	SimMode   string            `json:"sim_mode"`
	Step      int               `json:"step"`
	CurrTime  string            `json:"curr_time"`
	Personas  int               `json:"personas"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Archive is the decoded payload: one simulation snapshot.
type Archive struct {
	CreatedAt time.Time       `json:"created_at"`
	Snapshot  *store.Snapshot `json:"snapshot"`
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Write encodes a as header line + zstd payload. Directories are created
// 0700 and the archive 0600.
func Write(path string, a *Archive) (*Header, error) {
	if a.Snapshot == nil {
		return nil, errors.New("archive has no snapshot")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing zstd encoder: %w", err)
	}

	meta := a.Snapshot.Meta
	h := &Header{
		Version:   FormatVersion,
		CreatedAt: a.CreatedAt,
		Checksum:  checksum(compressed),
		SimCode:   meta.SimCode,
		SimMode:   meta.SimMode,
		Step:      meta.Step,
		CurrTime:  meta.CurrTime,
		Personas:  len(a.Snapshot.Personas),
	}
	if meta.TemplateSimCode != "" {
		h.Metadata = map[string]string{"template_sim_code": meta.TemplateSimCode}
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	w.Write(compressed)
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing archive: %w", err)
	}
	return h, nil
}

// open reads the header and the raw payload of an archive.
func open(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading payload: %w", err)
	}
	if len(payload) > MaxDecompressedSize {
		return nil, nil, fmt.Errorf("archive payload exceeds %d bytes", MaxDecompressedSize)
	}
	return h, payload, nil
}

func readHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported archive version %d", h.Version)
	}
	return &h, nil
}

// ReadHeader reads only the header line of an archive.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f))
}

// Read verifies and decodes an archive.
func Read(path string) (*Header, *Archive, error) {
	h, payload, err := open(path)
	if err != nil {
		return nil, nil, err
	}
	if got := checksum(payload); got != h.Checksum {
		return nil, nil, fmt.Errorf("%w: header %s, payload %s", ErrChecksum, h.Checksum, got)
	}

	dec, err := zstd.NewReader(bytes.NewReader(payload), zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	data, err := io.ReadAll(io.LimitReader(dec, MaxDecompressedSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(data) > MaxDecompressedSize {
		return nil, nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxDecompressedSize)
	}

	var a Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, nil, fmt.Errorf("decoding payload: %w", err)
	}
	if a.Snapshot == nil {
		return nil, nil, errors.New("archive has no snapshot")
	}
	return h, &a, nil
}

// VerifyChecksum checks an archive's payload against its header without
// decompressing it.
func VerifyChecksum(path string) error {
	h, payload, err := open(path)
	if err != nil {
		return err
	}
	if got := checksum(payload); got != h.Checksum {
		return fmt.Errorf("%w: header %s, payload %s", ErrChecksum, h.Checksum, got)
	}
	return nil
}
