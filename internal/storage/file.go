package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"alertbot/internal/alert"
	"alertbot/internal/config"
	"alertbot/internal/upstream"
	logx "alertbot/pkg/logx"
)

// fileStore keeps a Memory store in sync with one document on disk.
//
// Files:
//   - <path>                  (JSON, or YAML for .yaml/.yml; rewritten atomically)
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//
// Operators usually hand-edit the document to seed tenants and alerts;
// credential refreshes are written back to it.
type fileStore struct {
	*Memory
	log logx.Logger

	path string
	yaml bool

	mu        sync.Mutex // serializes document rewrites and audit appends
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{
		Memory: NewMemory(),
		log:    log,
		path:   path,
		yaml:   config.IsYAML(path),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("storage document missing; starting empty", logx.String("path", path))
	case err != nil:
		return nil, err
	default:
		doc, err := decodeDocument(data, s.yaml)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", path, err)
		}
		s.Memory.load(doc)
	}

	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) PutAlerts(ctx context.Context, tenantID string, defs []alert.Definition) error {
	if err := s.Memory.PutAlerts(ctx, tenantID, defs); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) SaveCredentials(ctx context.Context, tenantID string, creds upstream.Credentials) error {
	if err := s.Memory.SaveCredentials(ctx, tenantID, creds); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	_ = s.Memory.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

// persist rewrites the document through a temp file and rename.
func (s *fileStore) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encodeDocument(s.Memory.snapshot(), s.yaml)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.log.Debug("storage document written", logx.Int("bytes", len(data)))
	return nil
}

// decodeDocument reads JSON, or YAML coerced to JSON, with unknown fields rejected.
func decodeDocument(data []byte, isYAML bool) (document, error) {
	var doc document
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if isYAML {
		j, err := config.YAMLToJSON(data)
		if err != nil {
			return doc, err
		}
		data = j
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func encodeDocument(doc document, isYAML bool) ([]byte, error) {
	j, err := json.MarshalIndent(doc, "", "  ")
	if err != nil || !isYAML {
		return j, err
	}
	return config.JSONToYAML(j)
}
