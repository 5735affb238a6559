package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/sitekeeper/internal/domain"
)

const buildScriptPath = ".sitekeeper/build.sh"

// staticOutputDirs are checked in order when a static site names no output directory.
var staticOutputDirs = []string{"dist", "build", "out", "public", "_site"}

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) script(name string) bool {
	return m != nil && strings.TrimSpace(m.Scripts[name]) != ""
}

// Detect infers the runtime variant of a checkout.
func Detect(site domain.Site, workdir string) (domain.Variant, error) {
	if hasDockerfile(workdir) {
		return domain.VariantContainer, nil
	}
	if strings.TrimSpace(site.StartCommand) != "" {
		return domain.VariantProcess, nil
	}
	manifest, ok := loadPackageManifest(workdir)
	if ok && manifest.script("start") {
		return domain.VariantProcess, nil
	}
	for _, name := range []string{"app.py", "main.py", "server.py", "go.mod"} {
		if fileExists(filepath.Join(workdir, name)) {
			return domain.VariantProcess, nil
		}
	}
	if ok && manifest.script("build") {
		return domain.VariantStatic, nil
	}
	if site.OutputDir != "" || fileExists(filepath.Join(workdir, "index.html")) {
		return domain.VariantStatic, nil
	}
	return "", &domain.ConfigurationError{SiteID: site.ID, Field: "runtime", Reason: "could not detect how to run this repository; set a runtime or start command"}
}

// defaultBuildCommand fills in the obvious install step for process sites without one.
func defaultBuildCommand(workdir string) string {
	if _, ok := loadPackageManifest(workdir); ok {
		switch detectNodePackageManager(workdir) {
		case nodePMYarn:
			return "yarn install --frozen-lockfile"
		case nodePMPNPM:
			return "pnpm install --frozen-lockfile"
		}
		if fileExists(filepath.Join(workdir, "package-lock.json")) {
			return "npm ci"
		}
		return "npm install"
	}
	if fileExists(filepath.Join(workdir, "go.mod")) {
		return "go build -o .sitekeeper/app ."
	}
	return ""
}

// defaultStartCommand guesses the long-running command of a process site.
func defaultStartCommand(workdir string) string {
	if manifest, ok := loadPackageManifest(workdir); ok && manifest.script("start") {
		return string(detectNodePackageManager(workdir)) + " start"
	}
	for _, name := range []string{"app.py", "main.py", "server.py"} {
		if fileExists(filepath.Join(workdir, name)) {
			return "python3 " + name
		}
	}
	if fileExists(filepath.Join(workdir, "go.mod")) {
		return "./.sitekeeper/app"
	}
	return ""
}

// staticOutputDir resolves the directory a static build publishes.
func staticOutputDir(site domain.Site, workdir string) (string, error) {
	if site.OutputDir != "" {
		dir := filepath.Join(workdir, filepath.Clean("/"+site.OutputDir))
		if !dirExists(dir) {
			return "", fmt.Errorf("output directory %s not found after build", site.OutputDir)
		}
		return dir, nil
	}
	for _, name := range staticOutputDirs {
		dir := filepath.Join(workdir, name)
		if fileExists(filepath.Join(dir, "index.html")) {
			return dir, nil
		}
	}
	if fileExists(filepath.Join(workdir, "index.html")) {
		return workdir, nil
	}
	return "", fmt.Errorf("no index.html found in %s or %s", workdir, strings.Join(staticOutputDirs, ", "))
}

// ensureDockerfile writes a Dockerfile for recognised stacks when the repository has none.
func ensureDockerfile(workdir, buildCommand string) (bool, error) {
	if hasDockerfile(workdir) {
		return false, nil
	}
	includeScript := strings.TrimSpace(buildCommand) != ""
	var content string
	switch {
	case fileExists(filepath.Join(workdir, "package.json")):
		content = renderNodeDockerfile(detectNodePackageManager(workdir), includeScript)
	case fileExists(filepath.Join(workdir, "go.mod")):
		content = renderGoDockerfile(includeScript)
	case fileExists(filepath.Join(workdir, "requirements.txt")) || fileExists(filepath.Join(workdir, "app.py")) || fileExists(filepath.Join(workdir, "main.py")):
		content = renderPythonDockerfile(workdir, includeScript)
	default:
		return false, fmt.Errorf("no Dockerfile and the project type could not be detected")
	}
	if includeScript {
		if err := writeBuildScript(workdir, buildCommand); err != nil {
			return false, err
		}
	}
	if err := os.WriteFile(filepath.Join(workdir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

func writeBuildStep(b *strings.Builder) {
	b.WriteString("RUN if [ -f " + buildScriptPath + " ]; then \\\n")
	b.WriteString("  chmod +x " + buildScriptPath + " && sh " + buildScriptPath + " && rm -f " + buildScriptPath + "; fi\n")
}

func renderNodeDockerfile(pm nodePackageManager, includeScript bool) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-bookworm-slim\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case nodePMYarn:
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile\n\n")
	case nodePMPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml ./\n")
		b.WriteString("RUN corepack enable && pnpm install --frozen-lockfile\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n\n")
	}
	b.WriteString("COPY . ./\n")
	if includeScript {
		writeBuildStep(&b)
	}
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"" + string(pm) + "\", \"start\"]\n")
	return b.String()
}

func renderGoDockerfile(includeScript bool) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM golang:1.25 AS builder\n")
	b.WriteString("WORKDIR /src\n\n")
	b.WriteString("COPY go.* ./\n")
	b.WriteString("RUN go mod download\n\n")
	b.WriteString("COPY . ./\n")
	if includeScript {
		writeBuildStep(&b)
	}
	b.WriteString("RUN CGO_ENABLED=0 GOOS=linux go build -o /out/app .\n\n")
	b.WriteString("FROM gcr.io/distroless/static-debian12\n")
	b.WriteString("COPY --from=builder /out/app /app\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"/app\"]\n")
	return b.String()
}

func renderPythonDockerfile(workdir string, includeScript bool) string {
	entry := "app.py"
	if !fileExists(filepath.Join(workdir, entry)) {
		entry = "main.py"
	}
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM python:3.12-slim\n")
	b.WriteString("WORKDIR /app\n\n")
	if fileExists(filepath.Join(workdir, "requirements.txt")) {
		b.WriteString("COPY requirements.txt ./\n")
		b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n\n")
	}
	b.WriteString("COPY . ./\n")
	if includeScript {
		writeBuildStep(&b)
	}
	b.WriteString("ENV PYTHONUNBUFFERED=1\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"python\", \"" + entry + "\"]\n")
	return b.String()
}

func writeBuildScript(workdir, buildCommand string) error {
	if err := os.MkdirAll(filepath.Join(workdir, filepath.Dir(buildScriptPath)), 0o755); err != nil {
		return fmt.Errorf("create build script dir: %w", err)
	}
	script := "#!/bin/sh\nset -eu\n\n" + buildCommand + "\n"
	if err := os.WriteFile(filepath.Join(workdir, buildScriptPath), []byte(script), 0o755); err != nil {
		return fmt.Errorf("write build script: %w", err)
	}
	return nil
}

func hasDockerfile(workdir string) bool {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(entry.Name(), "dockerfile") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func detectNodePackageManager(workdir string) nodePackageManager {
	if manifest, ok := loadPackageManifest(workdir); ok {
		if parsed := parseNodePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(workdir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(workdir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}

func loadPackageManifest(workdir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(workdir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}
