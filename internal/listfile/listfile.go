// Package listfile reads and writes the newline-delimited files this
// service lives on: the subscription list in, the node list and the
// validity classification out.
package listfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sub-aggregator-api/internal/config"
	"github.com/sub-aggregator-api/internal/types"
	log "github.com/sirupsen/logrus"
)

// ReadURLs loads subscription URLs, one per line. Blank lines and #
// comments are skipped, as are lines that are not http(s) URLs. A missing
// or unreadable file is the one fatal condition of a run; the caller
// decides that.
func ReadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open subscription list: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\uFEFF"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			log.Debugf("Skipping non-URL subscription line: %s", line)
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan subscription list: %w", err)
	}
	return urls, nil
}

// WriteLines overwrites path with the given lines, one per line, through
// an atomic temp-file rename.
func WriteLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// RewriteSubscriptions applies the configured write-back policy to the
// subscription list after a run.
func RewriteSubscriptions(cfg config.FilesConfig, subs []types.Subscription) error {
	var valid, invalid, all []string
	for _, s := range subs {
		all = append(all, s.URL)
		if s.State == types.StateValid {
			valid = append(valid, s.URL)
		} else {
			invalid = append(invalid, s.URL)
		}
	}

	switch cfg.SubscriptionPolicy {
	case config.PolicyPruneInvalid:
		return WriteLines(cfg.SubscriptionFile, valid)

	case config.PolicyKeepAll:
		return WriteLines(cfg.SubscriptionFile, all)

	case config.PolicyClassify:
		if err := WriteLines(cfg.SubscriptionFile, all); err != nil {
			return err
		}
		validOut := append([]string{fmt.Sprintf("# valid subscriptions (%d)", len(valid))}, valid...)
		if err := WriteLines(cfg.ValidFile, validOut); err != nil {
			return err
		}
		invalidOut := append([]string{fmt.Sprintf("# invalid subscriptions (%d)", len(invalid))}, invalid...)
		return WriteLines(cfg.InvalidFile, invalidOut)

	default:
		return fmt.Errorf("unknown subscription policy: %s", cfg.SubscriptionPolicy)
	}
}
