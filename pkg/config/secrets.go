package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"

	"roomaker/pkg/logx"
)

// StateDir holds roomaker's per-project state: secrets and, by default, run history.
const StateDir = ".roomaker"

// Secrets file configuration.
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

//nolint:gochecknoglobals // process-wide decrypted secrets
var (
	decryptedSecrets    map[string]string
	decryptedSecretsMux sync.RWMutex
)

// SetDecryptedSecrets stores decrypted secrets in memory.
func SetDecryptedSecrets(secrets map[string]string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()
	decryptedSecrets = secrets
}

// GetSecret returns a secret from the decrypted secrets file, falling back to
// the environment variable of the same name.
func GetSecret(name string) (string, error) {
	decryptedSecretsMux.RLock()
	value := decryptedSecrets[name]
	decryptedSecretsMux.RUnlock()
	if value != "" {
		return value, nil
	}

	if value := os.Getenv(name); value != "" {
		return value, nil
	}

	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// SecretNames returns the names, never the values, of the decrypted secrets.
func SecretNames() []string {
	decryptedSecretsMux.RLock()
	defer decryptedSecretsMux.RUnlock()

	names := make([]string, 0, len(decryptedSecrets))
	for name := range decryptedSecrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// APIKeyEnv returns the secret name holding the API key for provider.
func APIKeyEnv(provider string) (string, error) {
	switch provider {
	case ProviderAnthropic:
		return EnvAnthropicAPIKey, nil
	case ProviderOpenAI:
		return EnvOpenAIAPIKey, nil
	case ProviderGoogle:
		return EnvGoogleAPIKey, nil
	default:
		return "", fmt.Errorf("provider %s does not use an API key", provider)
	}
}

// GetAPIKey resolves the API key for provider. Ollama needs none and returns "".
func GetAPIKey(provider string) (string, error) {
	if provider == ProviderOllama {
		return "", nil
	}

	envVar, err := APIKeyEnv(provider)
	if err != nil {
		return "", err
	}

	key, err := GetSecret(envVar)
	if err != nil {
		return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
	}
	return key, nil
}

// SecretsPath returns the secrets file location under projectDir.
func SecretsPath(projectDir string) string {
	return filepath.Join(projectDir, StateDir, SecretsFileName)
}

// SecretsFileExists checks if the secrets file exists under projectDir.
func SecretsFileExists(projectDir string) bool {
	_, err := os.Stat(SecretsPath(projectDir))
	return err == nil
}

// EncryptSecretsFile encrypts and saves secrets with file mode 0600.
// The file layout is [salt][nonce][ciphertext+tag].
func EncryptSecretsFile(projectDir, password string, secrets map[string]string) error {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if err := os.MkdirAll(filepath.Join(projectDir, StateDir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", StateDir, err)
	}
	if err := os.WriteFile(SecretsPath(projectDir), fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile decrypts the secrets file under projectDir.
func DecryptSecretsFile(projectDir, password string) (map[string]string, error) {
	path := SecretsPath(projectDir)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logx.Warnf("secrets file has permissions %04o, resetting to 0600", info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	if len(fileData) < saltSize+nonceSize+16 { // 16 is the GCM tag size
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive decryption key: %w", err)
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted file)")
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// UpsertSecret decrypts the existing file (if any), sets name to value and
// re-encrypts it with the same password.
func UpsertSecret(projectDir, password, name, value string) error {
	secrets := map[string]string{}
	if SecretsFileExists(projectDir) {
		existing, err := DecryptSecretsFile(projectDir, password)
		if err != nil {
			return err
		}
		secrets = existing
	}
	secrets[name] = value
	return EncryptSecretsFile(projectDir, password, secrets)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
