// Package router implements the Router Generator (§4.3): it renders the
// reverse proxy's include file from the current set of running models
// and signals a reload, writing atomically so the proxy never observes a
// half-written file.
//
// The template shape (upstream block + two location blocks per model)
// follows the same raw nginx.conf layout the platform installer
// generates for its own inference proxy, upgraded from a string literal
// to a text/template so it can be driven by a variable model set.
package router

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/mind-orchestrator/mind/internal/model"
)

const confTemplate = `# Managed by the orchestrator. Do not edit by hand.
{{range .Models}}
upstream mind_{{.Abbr}} {
    server 127.0.0.1:{{.Port}};
}
{{end}}
{{$upstreamHost := .UpstreamHost}}{{$upstreamPort := .UpstreamPort}}{{range .Models}}
location {{.Endpoint}}/chat/completions {
    add_header Access-Control-Allow-Origin * always;
    add_header Access-Control-Allow-Headers "Authorization, Content-Type, X-API-Key" always;
    add_header Access-Control-Allow-Methods "GET, POST, OPTIONS" always;
    if ($request_method = OPTIONS) {
        return 204;
    }

    proxy_pass http://{{$upstreamHost}}:{{$upstreamPort}}{{.Endpoint}}/chat/completions;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_http_version 1.1;
    proxy_set_header Connection "";
    proxy_buffering off;
    proxy_read_timeout 300s;
    proxy_send_timeout 300s;
}

location {{.Endpoint}}/ {
    add_header Access-Control-Allow-Origin * always;
    add_header Access-Control-Allow-Headers "Authorization, Content-Type, X-API-Key" always;
    add_header Access-Control-Allow-Methods "GET, POST, OPTIONS" always;
    if ($request_method = OPTIONS) {
        return 204;
    }

    proxy_pass http://mind_{{.Abbr}}/v1/;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_http_version 1.1;
    proxy_set_header Connection "";
    proxy_buffering off;
    proxy_read_timeout 300s;
    proxy_send_timeout 300s;
}
{{end}}
`

var tpl = template.Must(template.New("mind-models.conf").Parse(confTemplate))

type templateData struct {
	Models       []model.Record
	UpstreamHost string
	UpstreamPort string
}

// Generator owns the include file path and reload command from config.
type Generator struct {
	includePath   string
	reloadCommand []string
	upstreamHost  string
	upstreamPort  string
	runCommand    func(ctx context.Context, name string, args ...string) error
}

// New builds a Generator writing to includePath and reloading via
// reloadCommand (e.g. ["nginx", "-s", "reload"]). upstreamHost/upstreamPort
// name where the orchestrator's own HTTP server is reachable from the proxy,
// used for the chat-completions location block (§4.3); an empty upstreamHost
// falls back to "127.0.0.1" and an empty upstreamPort to "9000".
func New(includePath string, reloadCommand []string, upstreamHost, upstreamPort string) *Generator {
	if upstreamHost == "" {
		upstreamHost = "127.0.0.1"
	}
	if upstreamPort == "" {
		upstreamPort = "9000"
	}
	return &Generator{
		includePath:   includePath,
		reloadCommand: reloadCommand,
		upstreamHost:  upstreamHost,
		upstreamPort:  upstreamPort,
		runCommand:    runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, out)
	}
	return nil
}

// Render produces the include file's bytes for the given running models,
// without touching disk. Exposed for idempotency tests. upstreamHost/
// upstreamPort identify the orchestrator's own context-mediated endpoint;
// see New.
func Render(models []model.Record, upstreamHost, upstreamPort string) ([]byte, error) {
	if upstreamHost == "" {
		upstreamHost = "127.0.0.1"
	}
	if upstreamPort == "" {
		upstreamPort = "9000"
	}

	running := make([]model.Record, 0, len(models))
	for _, m := range models {
		if m.Status == model.StatusRunning {
			running = append(running, m)
		}
	}

	var buf bytes.Buffer
	data := templateData{Models: running, UpstreamHost: upstreamHost, UpstreamPort: upstreamPort}
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render router template: %w", err)
	}
	return buf.Bytes(), nil
}

// Regenerate writes the include file for the given running models and
// signals the proxy to reload. The write is atomic: a temp file in the
// same directory is written and fsynced, then renamed over the target.
func (g *Generator) Regenerate(ctx context.Context, models []model.Record) error {
	content, err := Render(models, g.upstreamHost, g.upstreamPort)
	if err != nil {
		return err
	}

	dir := filepath.Dir(g.includePath)
	tmp, err := os.CreateTemp(dir, ".mind-models-*.conf.tmp")
	if err != nil {
		return fmt.Errorf("create temp router file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp router file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp router file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp router file: %w", err)
	}

	if err := os.Rename(tmpName, g.includePath); err != nil {
		return fmt.Errorf("rename router file into place: %w", err)
	}

	if len(g.reloadCommand) == 0 {
		return nil
	}
	return g.runCommand(ctx, g.reloadCommand[0], g.reloadCommand[1:]...)
}
