package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Materializer writes validated command specs as executable files. Writes
// are atomic: a command either appears complete and executable or not at
// all, and rewriting an existing name replaces it in one step.
type Materializer struct {
	dir           string // commands directory
	installerPath string // install-deps.sh
	logger        *slog.Logger
}

// NewMaterializer creates the commands directory and returns a materializer
// writing into it.
func NewMaterializer(dir, installerPath string, logger *slog.Logger) (*Materializer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create commands dir: %w", err)
	}
	return &Materializer{dir: dir, installerPath: installerPath, logger: logger}, nil
}

// Dir returns the commands directory.
func (m *Materializer) Dir() string {
	return m.dir
}

// Read returns the bytes of a materialized command. The name goes through
// the same safety gate as Materialize, so a caller cannot read outside the
// commands directory.
func (m *Materializer) Read(name string) ([]byte, error) {
	if !safeName.MatchString(name) {
		return nil, fmt.Errorf("unsafe command name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read command %s: %w", name, err)
	}
	return data, nil
}

// Stat returns file info for a materialized command.
func (m *Materializer) Stat(name string) (os.FileInfo, error) {
	if !safeName.MatchString(name) {
		return nil, fmt.Errorf("unsafe command name %q", name)
	}
	return os.Stat(filepath.Join(m.dir, name))
}

// Materialize renders the spec as an executable script and writes it under
// the commands directory. Returns the final path.
func (m *Materializer) Materialize(spec *CommandSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	code := m.render(spec)
	path := filepath.Join(m.dir, spec.Name)
	if err := atomicWrite(path, []byte(code), 0755); err != nil {
		return "", fmt.Errorf("write command %s: %w", spec.Name, err)
	}

	if len(spec.Dependencies) > 0 {
		if err := m.writeInstaller(); err != nil {
			// The command itself landed; the installer is a convenience.
			m.logger.Warn("failed to write dependency installer", "error", err)
		}
	}

	m.logger.Info("command materialized",
		"command", spec.Name, "language", spec.Language, "path", path)
	return path, nil
}

// render assembles shebang, provenance header, dependency check, and body.
func (m *Materializer) render(spec *CommandSpec) string {
	body := spec.Body
	// Strip any shebang the agent included; the language decides it here.
	if strings.HasPrefix(body, "#!") {
		if i := strings.IndexByte(body, '\n'); i != -1 {
			body = body[i+1:]
		} else {
			body = ""
		}
	}

	stamp := time.Now().Format("2006-01-02 15:04:05")
	switch spec.Language {
	case "python":
		return fmt.Sprintf("#!/usr/bin/env python3\n# Generated by Port 42 - %s\n# %s\n\n%s\n",
			stamp, spec.Description, body)
	case "node", "javascript":
		return fmt.Sprintf("#!/usr/bin/env node\n// Generated by Port 42 - %s\n// %s\n\n%s\n",
			stamp, spec.Description, body)
	default: // bash
		return fmt.Sprintf("#!/bin/bash\n# Generated by Port 42 - %s\n# %s\n\n%s%s\n",
			stamp, spec.Description, dependencyCheck(spec.Dependencies), body)
	}
}

// dependencyCheck emits a bash preamble that verifies required commands
// exist before the script body runs. Only bash scripts get one; other
// runtimes manage their own dependencies.
func dependencyCheck(deps []string) string {
	if len(deps) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("# Dependency check\nmissing_deps=()\n")
	for _, dep := range deps {
		fmt.Fprintf(&sb, "if ! command -v %s &> /dev/null; then\n  missing_deps+=(%s)\nfi\n", dep, dep)
	}
	sb.WriteString(`
if [ ${#missing_deps[@]} -ne 0 ]; then
  echo "Missing dependencies: ${missing_deps[*]}"
  echo "To install them, run:"
  echo "  ~/.port42/install-deps.sh ${missing_deps[*]}"
  exit 1
fi

`)
	return sb.String()
}

// writeInstaller drops the shared install-deps.sh helper the dependency
// check points users at.
func (m *Materializer) writeInstaller() error {
	installer := `#!/bin/bash
# Port 42 dependency installer

set -e

if [[ "$OSTYPE" == "darwin"* ]]; then
  OS="macos"
elif [[ -f /etc/debian_version ]]; then
  OS="debian"
elif [[ -f /etc/redhat-release ]]; then
  OS="redhat"
else
  OS="unknown"
fi

install_dep() {
  local dep=$1
  echo "Installing $dep..."
  case "$OS" in
    macos)
      if command -v brew &> /dev/null; then
        brew install "$dep" || true
      else
        echo "Homebrew not found: https://brew.sh"
        return 1
      fi
      ;;
    debian)
      sudo apt-get update && sudo apt-get install -y "$dep" || true
      ;;
    redhat)
      sudo yum install -y "$dep" || true
      ;;
    *)
      echo "Unknown OS, install $dep manually."
      return 1
      ;;
  esac
}

for dep in "$@"; do
  if ! command -v "$dep" &> /dev/null; then
    install_dep "$dep"
  else
    echo "$dep is already installed"
  fi
done
`
	return atomicWrite(m.installerPath, []byte(installer), 0755)
}

// List returns the names of all materialized commands, sorted.
func (m *Materializer) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read commands dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// atomicWrite writes data via a temp file in the same directory so readers
// never observe a partial command.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
