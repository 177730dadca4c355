// Package crypt encrypts object bodies with kryptograf before they reach a
// storage backend. Keys and object metadata stay in the clear so listing,
// change feeds and conditional writes keep working unchanged.
package crypt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/brokerd/internal/storage"
)

const (
	streamChunkSize       = 8 * 1024
	sourceReadBufferSize  = 8 * 1024
	maxDescriptorLength   = 4096
	descriptorContextBase = "object:"
)

// frameMagic prefixes every encrypted object.
var frameMagic = [4]byte{'B', 'K', 'E', '1'}

// ErrNotEncrypted is returned when an object lacks the encryption frame.
var ErrNotEncrypted = errors.New("crypt: object is not encrypted")

var (
	bufferPool           sync.Pool
	sourceReadBufferPool = sync.Pool{
		New: func() any {
			return bufio.NewReaderSize(bytes.NewReader(nil), sourceReadBufferSize)
		},
	}
)

// Config drives Wrap.
type Config struct {
	RootKey keymgmt.RootKey
	Snappy  bool
}

type backend struct {
	inner storage.Backend
	kg    kryptograf.Kryptograf
}

// Wrap returns a backend that encrypts bodies written to inner and decrypts
// bodies read from it. Every object gets its own DEK bound to its key.
func Wrap(inner storage.Backend, cfg Config) (storage.Backend, error) {
	if inner == nil {
		return nil, fmt.Errorf("crypt: inner backend required")
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("crypt: root key required")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(streamChunkSize).WithOptions(
		kryptograf.WithBufferPool(&bufferPool),
		kryptograf.WithSourceReadBufferPool(&sourceReadBufferPool),
	)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &backend{inner: inner, kg: kg}, nil
}

func objectContext(key string) []byte {
	return []byte(descriptorContextBase + key)
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	result, err := b.inner.GetObject(ctx, key)
	if err != nil {
		return result, err
	}
	defer result.Reader.Close()
	plaintext, err := b.open(key, result.Reader)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	info := result.Info
	if info != nil {
		copied := *info
		copied.Size = int64(len(plaintext))
		info = &copied
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(plaintext)), Info: info}, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	sealed, err := b.seal(key, body)
	if err != nil {
		return nil, err
	}
	return b.inner.PutObject(ctx, key, bytes.NewReader(sealed), opts)
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.inner.DeleteObject(ctx, key, opts)
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	return b.inner.ListObjects(ctx, opts)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(prefix)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) WatchStatus() storage.WatchStatus {
	return storage.ReportWatchStatus(b.inner)
}

// seal frames body as magic, descriptor length, descriptor, ciphertext.
func (b *backend) seal(key string, body io.Reader) ([]byte, error) {
	mat, err := b.kg.MintDEK(objectContext(key))
	if err != nil {
		return nil, fmt.Errorf("crypt: mint material for %q: %w", key, err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypt: marshal descriptor for %q: %w", key, err)
	}
	var buf bytes.Buffer
	buf.Write(frameMagic[:])
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(desc)))
	buf.Write(length[:])
	buf.Write(desc)
	writer, err := b.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, fmt.Errorf("crypt: encrypt %q: %w", key, err)
	}
	if _, err := io.Copy(writer, body); err != nil {
		writer.Close()
		return nil, fmt.Errorf("crypt: encrypt %q: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("crypt: encrypt %q close: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (b *backend) open(key string, r io.Reader) ([]byte, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %q", ErrNotEncrypted, key)
		}
		return nil, fmt.Errorf("crypt: read %q: %w", key, err)
	}
	if !bytes.Equal(header[:4], frameMagic[:]) {
		return nil, fmt.Errorf("%w: %q", ErrNotEncrypted, key)
	}
	n := binary.BigEndian.Uint16(header[4:])
	if n == 0 || n > maxDescriptorLength {
		return nil, fmt.Errorf("crypt: %q has invalid descriptor length %d", key, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("crypt: read descriptor for %q: %w", key, err)
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("crypt: decode descriptor for %q: %w", key, err)
	}
	mat, err := b.kg.ReconstructDEK(objectContext(key), desc)
	if err != nil {
		return nil, fmt.Errorf("crypt: reconstruct material for %q: %w", key, err)
	}
	defer mat.Zero()
	reader, err := b.kg.DecryptReader(r, mat)
	if err != nil {
		return nil, fmt.Errorf("crypt: decrypt %q: %w", key, err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("crypt: decrypt %q: %w", key, err)
	}
	return plaintext, nil
}

// LoadRootKey reads the root key from the PEM bundle at path.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("read key bundle: %w", err)
	}
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("load key bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, fmt.Errorf("key bundle %s has no root key", path)
	}
	return root, nil
}

// EnsureKeyBundle returns existing with a root key added when it has none.
// An empty existing yields a fresh bundle.
func EnsureKeyBundle(existing []byte) ([]byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return nil, fmt.Errorf("load key bundle: %w", err)
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return nil, fmt.Errorf("ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("commit key bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return nil, fmt.Errorf("serialize key bundle: %w", err)
		}
		out = raw
	}
	return out, nil
}
