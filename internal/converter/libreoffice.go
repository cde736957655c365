package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrProtected = errors.New("document is password protected")

// LibreOffice converts office documents to PDF with a headless soffice
// process per conversion.
type LibreOffice struct {
	binary    string
	timeout   time.Duration
	semaphore chan struct{}
}

// NewLibreOffice creates a converter running at most maxWorkers
// conversions at once.
func NewLibreOffice(binary string, maxWorkers int, timeout time.Duration) *LibreOffice {
	if binary == "" {
		binary = "libreoffice"
	}
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	if timeout <= 0 {
		timeout = 180 * time.Second // Default 3 minutes
	}
	return &LibreOffice{
		binary:    binary,
		timeout:   timeout,
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// Binary returns the executable used for conversions.
func (l *LibreOffice) Binary() string { return l.binary }

// Available checks that the binary can be found in PATH.
func (l *LibreOffice) Available() error {
	if _, err := exec.LookPath(l.binary); err != nil {
		return fmt.Errorf("LibreOffice not found in PATH: %w", err)
	}
	return nil
}

// ConvertToPDF converts the named document bytes and returns the PDF bytes.
func (l *LibreOffice) ConvertToPDF(ctx context.Context, data []byte, name string) ([]byte, error) {
	startTime := time.Now()

	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.semaphore }()

	if len(data) == 0 {
		return nil, errors.New("file is empty")
	}

	workDir, err := os.MkdirTemp("", "pagecomposer-convert-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	base := sanitizeName(name)
	inputPath := filepath.Join(workDir, base)
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}

	// unique profile directory so parallel conversions do not share a lock
	profileDir := filepath.Join(workDir, fmt.Sprintf("libreoffice_profile_%s", uuid.New().String()))
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	outputDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, l.binary,
		fmt.Sprintf("-env:UserInstallation=file://%s", profileDir),
		"--headless",
		"--convert-to", "pdf",
		"--outdir", outputDir,
		inputPath,
	)
	log.Debug().Str("cmd", strings.Join(cmd.Args, " ")).Msg("LibreOffice command")

	output, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("conversion timeout after %v", l.timeout)
	}
	if err != nil {
		if looksProtected(output) {
			return nil, ErrProtected
		}
		return nil, fmt.Errorf("conversion failed: %w", err)
	}

	pdf, err := os.ReadFile(expectedOutputPath(inputPath, outputDir))
	if err != nil {
		if looksProtected(output) {
			return nil, ErrProtected
		}
		return nil, fmt.Errorf("output file not created: %w", err)
	}

	log.Info().Str("file", name).Int("bytes", len(pdf)).Dur("duration", time.Since(startTime)).Msg("conversion successful")
	return pdf, nil
}

func looksProtected(output []byte) bool {
	s := strings.ToLower(string(output))
	return strings.Contains(s, "password") || strings.Contains(s, "encrypted") || strings.Contains(s, "protected")
}

// sanitizeName keeps the extension LibreOffice uses to pick an import
// filter while dropping any path components.
func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "document"
	}
	return base
}

// expectedOutputPath is where LibreOffice writes the converted file.
func expectedOutputPath(inputPath, outputDir string) string {
	baseName := filepath.Base(inputPath)
	nameWithoutExt := strings.TrimSuffix(baseName, filepath.Ext(baseName))
	return filepath.Join(outputDir, nameWithoutExt+".pdf")
}
