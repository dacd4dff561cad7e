// Package recipe scaffolds the files a project needs before its first
// deploy: the stevedore manifest and, optionally, a Dockerfile for an
// ASGI (uvicorn) application, which is the workload this tool grew up
// deploying.
package recipe

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Params fills the scaffold templates.
type Params struct {
	// App is the application and container name.
	App string

	// Port is the port the application listens on; it is exposed by the
	// Dockerfile and published by the manifest.
	Port int
}

// Validate applies the defaults and checks ranges.
func (p *Params) Validate() error {
	if p.App == "" {
		return fmt.Errorf("app name must not be empty")
	}
	if p.Port == 0 {
		p.Port = 5050
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", p.Port)
	}
	return nil
}

// manifestTemplate is the starter stevedore.yaml. Placeholder values are
// deliberately invalid so a deploy cannot accidentally run against a
// half-edited manifest.
const manifestTemplate = `# stevedore deploy manifest
app: {{ .App }}
repository: {{ .App }}

aws:
  region: CHANGE-ME            # e.g. eu-west-1
  securityGroupId: CHANGE-ME   # security group guarding SSH on the VM
  # roleArn: arn:aws:iam::123456789012:role/deployer

target:
  host: CHANGE-ME
  user: ubuntu
  # keyPath: ~/.ssh/deploy_key  # or set STEVEDORE_SSH_KEY

container:
  name: {{ .App }}
  port:
    host: {{ .Port }}
    container: {{ .Port }}
  envFile: /home/ubuntu/.env
  restartPolicy: unless-stopped
`

// dockerfileTemplate mirrors the recipe this tool has always deployed: a
// slim Python base with a compiler layer for packages that build native
// extensions, the dependency manifest installed before the application
// tree for layer-cache friendliness, and uvicorn serving the module-level
// application object.
const dockerfileTemplate = `FROM python:3.11-slim

RUN apt-get update && \
    apt-get install -y --no-install-recommends gcc build-essential && \
    rm -rf /var/lib/apt/lists/*

WORKDIR /code

COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt

COPY . .

EXPOSE {{ .Port }}

CMD ["uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "{{ .Port }}"]
`

// RenderManifest renders the starter manifest.
func RenderManifest(p Params) ([]byte, error) {
	return render("manifest", manifestTemplate, p)
}

// RenderDockerfile renders the ASGI Dockerfile.
func RenderDockerfile(p Params) ([]byte, error) {
	return render("dockerfile", dockerfileTemplate, p)
}

func render(name, tmpl string, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid scaffold parameters", err)
	}
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to parse scaffold template", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, p); err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to render scaffold", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes content to path unless the file already exists.
// Scaffolding must never clobber a file the user has edited.
func WriteFile(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("%s already exists, not overwriting", filepath.Base(path)))
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return model.WrapCLIError(model.ExitGeneralError,
			fmt.Sprintf("failed to write %s", path), err)
	}
	return nil
}
