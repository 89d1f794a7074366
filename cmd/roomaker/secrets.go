package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"roomaker/pkg/config"
)

// EnvSecretsPassword holds the secrets file password for non-interactive use.
const EnvSecretsPassword = "ROOMAKER_SECRETS_PASSWORD"

var secretNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func newSecretsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
		Long: fmt.Sprintf(`API keys are read from the encrypted file %s/%s first and from
the environment second. The file password is prompted for, or read from %s.`,
			config.StateDir, config.SecretsFileName, EnvSecretsPassword),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set NAME",
		Short: "Store a secret such as ANTHROPIC_API_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !secretNamePattern.MatchString(name) {
				return fmt.Errorf("invalid secret name %q: use upper case letters, digits and underscores", name)
			}

			exists := config.SecretsFileExists(g.projectDir)
			password, err := secretsPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), !exists)
			if err != nil {
				return err
			}
			value, err := readSecretValue(cmd.InOrStdin(), cmd.ErrOrStderr(), name)
			if err != nil {
				return err
			}

			if err := config.UpsertSecret(g.projectDir, password, name, value); err != nil {
				return fmt.Errorf("failed to store secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", name, config.SecretsPath(g.projectDir))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the names of stored secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.SecretsFileExists(g.projectDir) {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets file.")
				return nil
			}
			if err := unlockSecrets(g.projectDir, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			for _, name := range config.SecretNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	return cmd
}

// unlockSecrets decrypts the project's secrets file, when there is one, and
// makes its values available to config.GetSecret.
func unlockSecrets(projectDir string, stdin io.Reader, w io.Writer) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}
	password, err := secretsPassword(stdin, w, false)
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// secretsPassword returns the secrets password from the environment or a
// terminal prompt. confirm asks twice, for a file about to be created.
func secretsPassword(stdin io.Reader, w io.Writer, confirm bool) (string, error) {
	if password := os.Getenv(EnvSecretsPassword); password != "" {
		return password, nil
	}

	fd, ok := terminalFD(stdin)
	if !ok {
		return "", fmt.Errorf("secrets password required: set %s or run in a terminal", EnvSecretsPassword)
	}

	fmt.Fprint(w, "Secrets password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(first)
	if len(first) == 0 {
		return "", errors.New("password must not be empty")
	}

	if confirm {
		fmt.Fprint(w, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		defer clear(second)
		if !bytes.Equal(first, second) {
			return "", errors.New("passwords do not match")
		}
	}

	return string(first), nil
}

// readSecretValue prompts for a hidden value on a terminal and reads one line
// otherwise.
func readSecretValue(stdin io.Reader, w io.Writer, name string) (string, error) {
	if fd, ok := terminalFD(stdin); ok {
		fmt.Fprintf(w, "Value for %s: ", name)
		value, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		defer clear(value)
		return requireValue(string(value))
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	return requireValue(line)
}

func requireValue(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("secret value must not be empty")
	}
	return v, nil
}

// terminalFD reports whether r is an interactive terminal.
func terminalFD(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd()) //nolint:gosec // file descriptors fit in int
	return fd, term.IsTerminal(fd)
}
