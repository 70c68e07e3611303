package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxscan/internal/catalog/catalogtest"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

func writeCatalog(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(catalogtest.Products())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "products.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAnalyzeJSONFromStdin(t *testing.T) {
	out, err := run(t, "Thuốc điều trị:\n1) Dopagan 500mg\n", "analyze", "--catalog", writeCatalog(t), "--json")
	require.NoError(t, err)

	var res prescription.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.FoundMedicines, 1)
	assert.Equal(t, "P001", res.FoundMedicines[0].Match.ProductID)
}

func TestAnalyzeExplainsFromFile(t *testing.T) {
	input := filepath.Join(t.TempDir(), "rx.txt")
	require.NoError(t, os.WriteFile(input, []byte("Thuốc điều trị:\n1) Dopagan 500mg\n"), 0o600))

	out, err := run(t, "", "analyze", "--catalog", writeCatalog(t), input)
	require.NoError(t, err)
	assert.Contains(t, out, "Dopagan")
}

func TestAnalyzeRequiresCatalog(t *testing.T) {
	_, err := run(t, "Dopagan", "analyze")
	assert.Error(t, err)
}

func TestAnalyzeEmptyInputFails(t *testing.T) {
	_, err := run(t, "   ", "analyze", "--catalog", writeCatalog(t))
	assert.ErrorIs(t, err, prescription.ErrNoTextAvailable)
}

func TestReadInputDetectsImages(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	in, err := readInput("-", bytes.NewReader(png))
	require.NoError(t, err)
	assert.Equal(t, "image/png", in.MIMEType)
	assert.Empty(t, in.Text)

	in, err = readInput("-", strings.NewReader("Paracetamol 500mg"))
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol 500mg", in.Text)
	assert.Nil(t, in.Image)
}
