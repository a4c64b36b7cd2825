package conf_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ucbrise/confluo-core/confluo/conf"
	"github.com/ucbrise/confluo-core/confluo/storage"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func Test_LoadOptions_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	opts, sources, err := conf.LoadOptions(dir, "", conf.Options{}, nil)
	if err != nil {
		t.Fatalf("load_options: %v", err)
	}

	want := conf.DefaultOptions()
	if opts != want {
		t.Fatalf("opts = %+v, want defaults %+v", opts, want)
	}

	if sources.Global != "" || sources.Project != "" {
		t.Fatalf("sources = %+v, want both empty", sources)
	}
}

func Test_LoadOptions_FromProjectConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, conf.ConfigFileName), `{
		// comments are fine, the file is JSONC
		"max_memory": 2048,
		"max_archival_file_size": 4096,
		"data_log_archival_encoding": "lz4",
		"reflog_archival_encoding": "elias_gamma",
	}`)

	opts, sources, err := conf.LoadOptions(dir, "", conf.Options{}, nil)
	if err != nil {
		t.Fatalf("load_options: %v", err)
	}

	if opts.MaxMemory != 2048 {
		t.Fatalf("max_memory = %d, want 2048", opts.MaxMemory)
	}

	if opts.MaxArchivalFileSize != 4096 {
		t.Fatalf("max_archival_file_size = %d, want 4096", opts.MaxArchivalFileSize)
	}

	if opts.DataLogArchivalEncoding != storage.EncodingLZ4 {
		t.Fatalf("data_log_archival_encoding = %v, want lz4", opts.DataLogArchivalEncoding)
	}

	if opts.ReflogArchivalEncoding != storage.EncodingEliasGamma {
		t.Fatalf("reflog_archival_encoding = %v, want elias_gamma", opts.ReflogArchivalEncoding)
	}

	// Unset fields still fall back to the default.
	if opts.IndexBlockSize != conf.DefaultOptions().IndexBlockSize {
		t.Fatalf("index_block_size = %v, want default", opts.IndexBlockSize)
	}

	if sources.Project == "" {
		t.Fatalf("sources.Project should be set")
	}
}

func Test_LoadOptions_OverridesWinOverFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, conf.ConfigFileName), `{"max_memory": 2048}`)

	opts, _, err := conf.LoadOptions(dir, "", conf.Options{MaxMemory: 9999}, nil)
	if err != nil {
		t.Fatalf("load_options: %v", err)
	}

	if opts.MaxMemory != 9999 {
		t.Fatalf("max_memory = %d, want 9999 (override should win)", opts.MaxMemory)
	}
}

func Test_LoadOptions_ExplicitConfigPathMustExist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := conf.LoadOptions(dir, "missing.json", conf.Options{}, nil)
	if err == nil {
		t.Fatalf("expected an error for a missing explicit config file")
	}
}

func Test_LoadOptions_RejectsUnknownEncoding(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, conf.ConfigFileName), `{"data_log_archival_encoding": "bogus"}`)

	_, _, err := conf.LoadOptions(dir, "", conf.Options{}, nil)
	if err == nil {
		t.Fatalf("expected an error for an unknown encoding")
	}
}

func Test_LoadOptions_RejectsEliasGammaForDataLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	overrides := conf.Options{DataLogArchivalEncoding: storage.EncodingEliasGamma}

	_, _, err := conf.LoadOptions(dir, "", overrides, nil)
	if err == nil {
		t.Fatalf("expected an error when data_log_archival_encoding is elias_gamma")
	}
}

func Test_FormatOptions_RoundTripsEncodingNames(t *testing.T) {
	t.Parallel()

	out, err := conf.FormatOptions(conf.DefaultOptions())
	if err != nil {
		t.Fatalf("format_options: %v", err)
	}

	if !strings.Contains(out, `"data_log_archival_encoding": "unencoded"`) {
		t.Fatalf("formatted options missing encoding name: %s", out)
	}
}
