package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"foreman/pkg/config"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the foreman profile and secrets",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default foreman.yaml",
	Long: `Write a profile with every agent on the claude CLI driver.

Edit the agents section to move a role to a hosted API, e.g.

  agents:
    reviewer:
      driver: api
      model: gpt-5`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configSecretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Store API keys in the encrypted secrets file",
}

var configSecretsSetCmd = &cobra.Command{
	Use:   "set NAME",
	Short: "Store a secret, e.g. ANTHROPIC_API_KEY (value read without echo)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsSet,
}

var configSecretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	Args:  cobra.NoArgs,
	RunE:  runSecretsList,
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing profile")

	configSecretsCmd.AddCommand(configSecretsSetCmd)
	configSecretsCmd.AddCommand(configSecretsListCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSecretsCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		path = filepath.Join(workDirFlag, config.FileName)
	}
	if err := writeDefaultProfile(path, initForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

// writeDefaultProfile saves the default profile with a work_dir relative to
// the file, so the repository can be moved.
func writeDefaultProfile(path string, overwrite bool) error {
	p := config.Default()
	p.WorkDir = "."
	p.Events.Console = true
	for _, role := range config.AgentRoles {
		p.Agents[role] = config.AgentConfig{Driver: config.DriverCLI}
	}
	return config.Save(p, path, overwrite)
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return errors.New("secret name is empty")
	}
	dir, err := secretsDir()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	secrets := map[string]string{}
	password, err := config.ReadPassword(os.Stdin, out, "Secrets password: ")
	if err != nil {
		return err
	}
	if config.SecretsFileExists(dir) {
		if secrets, err = config.DecryptSecretsFile(dir, password); err != nil {
			return err
		}
	}
	value, err := readSecretValue(name, out)
	if err != nil {
		return err
	}
	secrets[name] = value

	if err := config.EncryptSecretsFile(dir, password, secrets); err != nil {
		return err
	}
	fmt.Fprintf(out, "stored %s in %s\n", name, config.SecretsPath(dir))
	return nil
}

func readSecretValue(name string, out io.Writer) (string, error) {
	if v := os.Getenv("FOREMAN_SECRET_VALUE"); v != "" {
		return v, nil
	}
	if !interactive() {
		return "", errors.New("no terminal to read the value; set FOREMAN_SECRET_VALUE")
	}
	return readHidden(name+": ", out)
}

func readHidden(prompt string, out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // file descriptors fit in int
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read value: %w", err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", errors.New("empty value")
	}
	return v, nil
}

func runSecretsList(cmd *cobra.Command, _ []string) error {
	dir, err := secretsDir()
	if err != nil {
		return err
	}
	if !config.SecretsFileExists(dir) {
		fmt.Fprintln(cmd.OutOrStdout(), "no secrets file")
		return nil
	}
	keys, err := config.LoadKeyring(dir, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	for _, name := range keys.Names() {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

// secretsDir is the profile's work directory, where setup looks for secrets.
func secretsDir() (string, error) {
	p, err := config.Load(configPath, workDirFlag)
	if err != nil {
		return "", err
	}
	return p.WorkDir, nil
}
