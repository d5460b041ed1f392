package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/astrid/internal/config"
	"github.com/joescharf/astrid/internal/models"
)

var (
	configForce  bool
	configDryRun bool
)

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = config.Dir

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage astrid configuration.

Running bare 'astrid config' is the same as 'astrid config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configInitCmd.Flags().BoolVarP(&configDryRun, "dry-run", "n", false, "Print the file instead of writing it")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# astrid configuration
# See: astrid config show (for effective values and sources)
# Every key can be overridden with ASTRID_<KEY>, dots replaced by underscores.

# Sessions run in a throwaway git worktree on branch astrid/task-<id>.
worktree:
  enabled: {{ .Worktree.Enabled }}
  base_dir: "{{ .Worktree.BaseDir }}"
  # Remove the worktree when the session ends
  auto_cleanup: {{ .Worktree.AutoCleanup }}

# Agent backends. API keys fall back to ANTHROPIC_API_KEY, OPENAI_API_KEY,
# and GEMINI_API_KEY (a .env file in the working directory is loaded too).
providers:
{{- range .Providers }}
  {{ .Name }}:
    model: "{{ .Model }}"
    # api_key: ""
    max_turns: {{ .MaxTurns }}
    timeout: {{ .Timeout }}
{{- end }}

# Remote worker used by the "remote" provider
worker:
  url: "{{ .Worker.URL }}"
  # token: ""
  poll_interval: {{ .Worker.PollInterval }}
  call_timeout: {{ .Worker.CallTimeout }}

agent:
  # Limit for each shell command an agent runs
  command_timeout: {{ .CommandTimeout }}

# State directory for session lock files
# state_dir: {{ .StateDir }}

# SQLite database of sessions, comments, and runs
# db_path: {{ .DBPath }}

# Prometheus textfile written after each run (empty disables)
# metrics:
#   textfile: ""
`

type providerTemplateData struct {
	Name string
	config.ProviderConfig
}

type configTemplateData struct {
	config.Config
	Providers []providerTemplateData
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// renderConfig fills the template from the effective configuration.
func renderConfig(cfg config.Config) ([]byte, error) {
	data := configTemplateData{Config: cfg}
	for _, p := range models.Providers {
		data.Providers = append(data.Providers, providerTemplateData{Name: string(p), ProviderConfig: cfg.Provider(p)})
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template execute error: %w", err)
	}
	return buf.Bytes(), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	out, err := renderConfig(config.Load(viper.GetViper()))
	if err != nil {
		return err
	}

	if configDryRun {
		ui.Info("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, string(out))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold API keys once edited.
	if err := os.WriteFile(cfgPath, out, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, string(out))
	return nil
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		cfgPath = used
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}

	fileValues := readConfigFileValues(cfgPath)
	table := ui.Table([]string{"Key", "Value", "Source"})
	for _, k := range config.Keys() {
		source := detectSource(k, fileValues)
		val := fmt.Sprint(viper.Get(k.Key))
		if k.FallbackEnv != "" && strings.HasPrefix(source, "(env: "+k.FallbackEnv) {
			val = os.Getenv(k.FallbackEnv)
		}
		if k.Secret {
			val = maskSecret(val)
		}
		if err := table.Append([]string{k.Key, val, source}); err != nil {
			return err
		}
	}
	return table.Render()
}

// maskSecret keeps the last four characters of a credential.
func maskSecret(s string) string {
	switch {
	case s == "":
		return `""`
	case len(s) <= 4:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource reports where a key's effective value comes from: its own
// environment variable, the config file, a fallback variable, or the default.
func detectSource(k config.KeyInfo, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(k.EnvVar); ok {
		return fmt.Sprintf("(env: %s)", k.EnvVar)
	}
	if fileValues[k.Key] {
		return "(file)"
	}
	if k.FallbackEnv != "" && os.Getenv(k.FallbackEnv) != "" {
		return fmt.Sprintf("(env: %s)", k.FallbackEnv)
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'astrid config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
