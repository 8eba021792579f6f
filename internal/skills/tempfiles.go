package skills

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// labelPattern restricts labels to safe filesystem characters: alphanumeric
// start, followed by alphanumeric, underscore, or hyphen, up to 63 chars.
var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

// TempFileStore manages scratch files a skill writes for later reference
// within the same conversation turn (e.g. a long tool result too large to
// inline). Label-to-path mappings live in memory, scoped per conversation,
// and are discarded when the conversation is reset or closed.
type TempFileStore struct {
	baseDir string
	logger  *slog.Logger

	mu     sync.Mutex
	byConv map[string]map[string]string // convID -> label -> path
}

// NewTempFileStore creates a TempFileStore rooted at baseDir. The directory
// is created on first write, not at construction time.
func NewTempFileStore(baseDir string, logger *slog.Logger) *TempFileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TempFileStore{
		baseDir: baseDir,
		logger:  logger,
		byConv:  make(map[string]map[string]string),
	}
}

// Create writes content to a temp file and maps the label to its path for
// this conversation. The returned string is the label itself, not the
// path. A pre-existing label for this conversation is overwritten and its
// old file removed.
func (s *TempFileStore) Create(convID, label, content string) (string, error) {
	if !labelPattern.MatchString(label) {
		return "", fmt.Errorf("invalid label %q: must be 1-63 alphanumeric/underscore/hyphen characters starting with alphanumeric", label)
	}

	suffix, err := randomSuffix()
	if err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}

	safeConvID := sanitizeForFilesystem(convID)
	filename := fmt.Sprintf("%s_%s_%s.md", safeConvID, label, suffix)
	absPath := filepath.Join(s.baseDir, filename)

	if err := os.MkdirAll(s.baseDir, 0o750); err != nil {
		return "", fmt.Errorf("create temp directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byConv[convID] == nil {
		s.byConv[convID] = make(map[string]string)
	}
	if existing, ok := s.byConv[convID][label]; ok && existing != "" {
		_ = os.Remove(existing) // best-effort
	}

	if err := os.WriteFile(absPath, []byte(content), 0o640); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	s.byConv[convID][label] = absPath

	s.logger.Info("temp file created",
		"conversation", convID,
		"label", label,
		"path", absPath,
		"bytes", len(content),
	)

	return label, nil
}

// Resolve returns the filesystem path for a label in the given
// conversation. Returns empty string if the label does not exist.
func (s *TempFileStore) Resolve(convID, label string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byConv[convID][label]
}

// ExpandLabels replaces all occurrences of "temp:LABEL" in text with the
// corresponding file path for the given conversation. Unknown labels are
// left as-is.
func (s *TempFileStore) ExpandLabels(convID, text string) string {
	s.mu.Lock()
	mappings := s.byConv[convID]
	labels := make([]string, 0, len(mappings))
	for label := range mappings {
		labels = append(labels, label)
	}
	copyOf := make(map[string]string, len(mappings))
	for k, v := range mappings {
		copyOf[k] = v
	}
	s.mu.Unlock()

	if len(labels) == 0 {
		return text
	}

	// Sort labels by descending length so longer labels are replaced
	// first — prevents a short label from matching a prefix of a longer one.
	sort.Slice(labels, func(i, j int) bool {
		return len(labels[i]) > len(labels[j])
	})

	for _, label := range labels {
		text = strings.ReplaceAll(text, "temp:"+label, copyOf[label])
	}
	return text
}

// Cleanup removes all temp files and label mappings for a conversation.
// Errors on individual file removals are logged but do not prevent
// cleanup of remaining files.
func (s *TempFileStore) Cleanup(convID string) error {
	s.mu.Lock()
	mappings := s.byConv[convID]
	delete(s.byConv, convID)
	s.mu.Unlock()

	if len(mappings) == 0 {
		return nil
	}

	for label, path := range mappings {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove temp file",
				"conversation", convID,
				"label", label,
				"path", path,
				"error", err,
			)
		}
	}

	s.logger.Info("temp files cleaned up",
		"conversation", convID,
		"count", len(mappings),
	)
	return nil
}

// randomSuffix generates a 4-byte (8 hex char) random string.
func randomSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// sanitizeForFilesystem replaces characters that are not alphanumeric,
// underscore, or hyphen with underscores. Used for embedding conversation
// IDs in filenames.
func sanitizeForFilesystem(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	result := sb.String()
	if len(result) > 64 {
		result = result[:64]
	}
	return result
}
