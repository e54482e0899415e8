package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/config"
	"github.com/jward/codeintel/internal/protocol"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags clears values left behind by earlier executions.
func resetFlags() {
	flagLogFile, flagLogLevels, flagFormat = "", nil, "json"
	flagLanguage, flagEncoding = "", ""
	flagDatabaseDir, flagPipe, flagTCP, flagServer = "", "", "", ""
}

func writeSource(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestValidateFormat(t *testing.T) {
	t.Parallel()
	for _, f := range validFormats {
		assert.NoError(t, validateFormat(f))
	}
	assert.ErrorContains(t, validateFormat("xml"), `invalid format "xml"`)
}

func TestFormatOutline(t *testing.T) {
	t.Parallel()
	f := &cix.File{
		Path:      "/src/app.py",
		Lang:      "Python",
		Error:     "invalid syntax",
		ErrorLine: 9,
		Blobs: []*cix.Scope{{
			Kind: cix.KindBlob,
			Name: "app",
			Line: 1,
			Children: []*cix.Scope{
				{
					Kind:      cix.KindClass,
					Name:      "Greeter",
					Line:      1,
					Signature: "Greeter()",
					Children: []*cix.Scope{{
						Kind:       cix.KindFunction,
						Name:       "hello",
						Line:       2,
						Signature:  "hello(self)",
						Attributes: []string{cix.AttrPrivate},
						Children:   []*cix.Scope{{Kind: cix.KindArgument, Name: "self"}},
					}},
				},
				{Kind: cix.KindVariable, Name: "count", Line: 5},
			},
		}},
	}

	var buf bytes.Buffer
	formatOutline(&buf, f)
	want := "/src/app.py (Python)\n" +
		"  error at line 9: invalid syntax\n" +
		"  blob app\n" +
		"    class Greeter :1  Greeter()\n" +
		"      function hello :2  hello(self)  [private]\n" +
		"    variable count :5\n"
	assert.Equal(t, want, buf.String())
}

func TestScanCommand_JSON(t *testing.T) {
	path := writeSource(t, "app.py", "def greet(name):\n    return name\n")
	out, err := execute(t, "scan", "--format", "json", path)
	require.NoError(t, err)

	var files []*cix.File
	require.NoError(t, json.Unmarshal([]byte(out), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "Python", files[0].Lang)
	blob := files[0].Blob("app")
	require.NotNil(t, blob)
	greet := blob.Child("greet")
	require.NotNil(t, greet)
	assert.Equal(t, cix.KindFunction, greet.Kind)
	assert.Equal(t, "greet(name)", greet.Signature)
}

func TestScanCommand_YAML(t *testing.T) {
	path := writeSource(t, "shapes.py", "class Circle:\n    pass\n")
	out, err := execute(t, "scan", "--format", "yaml", path)
	require.NoError(t, err)

	var files []struct {
		Blobs []*cix.Scope `yaml:"blobs"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &files))
	require.Len(t, files, 1)
	require.Len(t, files[0].Blobs, 1)
	assert.NotNil(t, files[0].Blobs[0].Child("Circle"))
}

func TestScanCommand_UnknownLanguage(t *testing.T) {
	path := writeSource(t, "notes.txt", "hello")
	_, err := execute(t, "scan", "--format", "json", path)
	assert.ErrorContains(t, err, "unknown language")
}

func TestOutlineCommand(t *testing.T) {
	path := writeSource(t, "app.py", "def greet(name):\n    return name\n")
	out, err := execute(t, "outline", path)
	require.NoError(t, err)
	assert.Contains(t, out, "  blob app\n")
	assert.Contains(t, out, "    function greet :1  greet(name)\n")
}

func TestOOPCommand_RequiresOneTransport(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "oop", "--database-dir", dir)
	assert.ErrorContains(t, err, "exactly one of")

	_, err = execute(t, "oop", "--database-dir", dir, "--tcp", "nowhere")
	assert.ErrorContains(t, err, "bad address")
}

func TestOOPCommand_ServesTCPUntilQuit(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, "oop", "--database-dir", dir,
			"--tcp", ln.Addr().String(),
			"--log-file", filepath.Join(dir, "engine.log"))
		done <- err
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(60*time.Second)))

	r := protocol.NewReader(conn)
	hello, err := r.Read()
	require.NoError(t, err)
	assert.Empty(t, hello)

	require.NoError(t, protocol.WriteFrame(conn, protocol.Message{
		protocol.KeyCommand: protocol.CmdQuit,
		protocol.KeyReqID:   "0x0",
	}))
	for {
		msg, err := r.Read()
		require.NoError(t, err)
		if msg.ReqID() == "0x0" && msg.IsFinal() {
			assert.True(t, msg.Success())
			break
		}
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		require.FailNow(t, "engine did not exit after quit")
	}
	assert.FileExists(t, filepath.Join(dir, "engine.log"))
}

func TestSetupLogger_ConfigFile(t *testing.T) {
	resetFlags()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.LogFile = filepath.Join(dir, "from-config.log")

	logger, closer, err := setupLogger(dir, cfg, nil)
	require.NoError(t, err)
	logger.Info("engine ready")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "engine ready")
}
