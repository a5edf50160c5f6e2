package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/term"
)

// Encrypted secrets file layout: [salt][nonce][ciphertext+tag].
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

// API key environment variables, also used as secret names.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
	// EnvSecretsPassword unlocks the secrets file without a prompt.
	EnvSecretsPassword = "FOREMAN_SECRETS_PASSWORD"
)

// ErrWrongPassword is returned when the secrets file cannot be decrypted.
var ErrWrongPassword = errors.New("decryption failed (wrong password or corrupted file)")

// Keyring resolves secrets: decrypted file values first, then the environment.
type Keyring struct {
	mu      sync.RWMutex
	secrets map[string]string
	getenv  func(string) string
}

// NewKeyring creates a keyring over the given decrypted secrets (may be nil).
func NewKeyring(secrets map[string]string) *Keyring {
	k := &Keyring{secrets: make(map[string]string, len(secrets)), getenv: os.Getenv}
	for name, value := range secrets {
		k.secrets[name] = value
	}
	return k
}

// WithEnv replaces the environment lookup. Tests use it.
func (k *Keyring) WithEnv(getenv func(string) string) *Keyring {
	k.getenv = getenv
	return k
}

// Get returns the named secret.
func (k *Keyring) Get(name string) (string, error) {
	k.mu.RLock()
	value := k.secrets[name]
	k.mu.RUnlock()
	if value != "" {
		return value, nil
	}
	if value := k.getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// Set stores a secret in memory.
func (k *Keyring) Set(name, value string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets[name] = value
}

// Names returns the stored secret names, sorted.
func (k *Keyring) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.secrets))
	for name := range k.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the stored secrets.
func (k *Keyring) Snapshot() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.secrets))
	for name, value := range k.secrets {
		out[name] = value
	}
	return out
}

// APIKey returns the credential for provider. Ollama has none and yields its
// host (default http://localhost:11434); Bedrock uses the AWS credential
// chain and yields "".
func (k *Keyring) APIKey(provider string) (string, error) {
	var name string
	switch provider {
	case ProviderAnthropic:
		name = EnvAnthropicAPIKey
	case ProviderOpenAI:
		name = EnvOpenAIAPIKey
	case ProviderGemini:
		name = EnvGeminiAPIKey
		if v, err := k.Get(name); err == nil {
			return v, nil
		}
		if v, err := k.Get("GOOGLE_API_KEY"); err == nil {
			return v, nil
		}
	case ProviderOllama:
		if host, err := k.Get(EnvOllamaHost); err == nil {
			return host, nil
		}
		return "http://localhost:11434", nil
	case ProviderBedrock:
		return "", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
	key, err := k.Get(name)
	if err != nil {
		return "", fmt.Errorf("API key not found: %w", err)
	}
	return key, nil
}

// SecretsPath returns the secrets file location for a working directory.
func SecretsPath(workDir string) string {
	return filepath.Join(workDir, DirName, SecretsFileName)
}

// SecretsFileExists reports whether workDir has an encrypted secrets file.
func SecretsFileExists(workDir string) bool {
	_, err := os.Stat(SecretsPath(workDir))
	return err == nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func deriveGCM(password, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

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

// EncryptSecretsFile writes secrets to workDir/.foreman/secrets.json.enc with
// mode 0600.
func EncryptSecretsFile(workDir, password string, secrets map[string]string) error {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := deriveGCM(passwordBytes, salt)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	data := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	data = append(data, salt...)
	data = append(data, nonce...)
	data = append(data, ciphertext...)

	path := SecretsPath(workDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets file. A file readable by
// others has its mode corrected to 0600 first.
func DecryptSecretsFile(workDir, password string) (map[string]string, error) {
	path := SecretsPath(workDir)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logger().Warn("secrets file has mode %04o, resetting to 0600", info.Mode().Perm())
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+16 {
		return nil, errors.New("secrets file is corrupted or invalid format (too small)")
	}

	passwordBytes := []byte(password)
	defer zero(passwordBytes)
	gcm, err := deriveGCM(passwordBytes, data[:saltSize])
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, data[saltSize:saltSize+nonceSize], data[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// ReadPassword reads a password from FOREMAN_SECRETS_PASSWORD or, when in is
// a terminal, prompts on out with echo disabled.
func ReadPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	if pw := os.Getenv(EnvSecretsPassword); pw != "" {
		return pw, nil
	}
	fd := int(in.Fd()) //nolint:gosec // file descriptors fit in int
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for the secrets password; set %s", EnvSecretsPassword)
	}
	_, _ = fmt.Fprint(out, prompt)
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(pw)), nil
}

// LoadKeyring builds the keyring for workDir, decrypting the secrets file
// when one exists.
func LoadKeyring(workDir string, in *os.File, out io.Writer) (*Keyring, error) {
	if !SecretsFileExists(workDir) {
		return NewKeyring(nil), nil
	}
	pw, err := ReadPassword(in, out, "Secrets password: ")
	if err != nil {
		return nil, err
	}
	secrets, err := DecryptSecretsFile(workDir, pw)
	if err != nil {
		return nil, err
	}
	return NewKeyring(secrets), nil
}
