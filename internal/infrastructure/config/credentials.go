package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EncryptionKey 加密密钥管理器
type EncryptionKey struct {
	keyPath string
	key     []byte
}

// NewEncryptionKey 创建加密密钥管理器
// 密钥保存在数据目录下，首次使用时生成
func NewEncryptionKey() (*EncryptionKey, error) {
	return newEncryptionKeyAt(filepath.Join(GetDataDir(), ".credentials_key"))
}

func newEncryptionKeyAt(keyPath string) (*EncryptionKey, error) {
	ek := &EncryptionKey{
		keyPath: keyPath,
	}

	if err := ek.loadOrGenerateKey(); err != nil {
		return nil, fmt.Errorf("failed to load or generate key: %w", err)
	}

	return ek, nil
}

// loadOrGenerateKey 加载或生成加密密钥
func (ek *EncryptionKey) loadOrGenerateKey() error {
	if data, err := os.ReadFile(ek.keyPath); err == nil {
		ek.key = data
		return nil
	}

	// 生成新密钥（32 字节，用于 AES-256）
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	dir := filepath.Dir(ek.keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	// 仅所有者可读写
	if err := os.WriteFile(ek.keyPath, key, 0600); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}

	ek.key = key
	return nil
}

// Encrypt 加密文本
func (ek *EncryptionKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(ek.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 解密文本
// 无法按密文解析的输入按未加密的旧数据原样返回
func (ek *EncryptionKey) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return ciphertext, nil
	}

	block, err := aes.NewCipher(ek.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return ciphertext, nil
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return ciphertext, nil
	}

	return string(plaintext), nil
}

// credentialsFile 凭据文件结构，API Key 加密存储
type credentialsFile struct {
	EmbeddingAPIKey string `json:"embedding_api_key"`
	LLMAPIKey       string `json:"llm_api_key"`
}

// CredentialStore 凭据存储
// API Key 不放进 YAML 配置文件，而是加密存放在数据目录下
type CredentialStore struct {
	credPath   string
	encryptKey *EncryptionKey
}

// NewCredentialStore 创建凭据存储
func NewCredentialStore() (*CredentialStore, error) {
	encryptKey, err := NewEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption key: %w", err)
	}

	return &CredentialStore{
		credPath:   filepath.Join(GetDataDir(), "credentials.json"),
		encryptKey: encryptKey,
	}, nil
}

// Save 加密保存 API Key，空值表示清除
func (cs *CredentialStore) Save(embeddingKey, llmKey string) error {
	encEmbedding, err := cs.encryptKey.Encrypt(embeddingKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt embedding key: %w", err)
	}
	encLLM, err := cs.encryptKey.Encrypt(llmKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt llm key: %w", err)
	}

	data, err := json.MarshalIndent(&credentialsFile{
		EmbeddingAPIKey: encEmbedding,
		LLMAPIKey:       encLLM,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	dir := filepath.Dir(cs.credPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	if err := os.WriteFile(cs.credPath, data, 0600); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// Load 读取并解密 API Key，文件不存在时返回空值
func (cs *CredentialStore) Load() (embeddingKey, llmKey string, err error) {
	data, err := os.ReadFile(cs.credPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials: %w", err)
	}

	embeddingKey, err = cs.encryptKey.Decrypt(creds.EmbeddingAPIKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt embedding key: %w", err)
	}
	llmKey, err = cs.encryptKey.Decrypt(creds.LLMAPIKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt llm key: %w", err)
	}

	return embeddingKey, llmKey, nil
}

// Apply 把存储的凭据叠加到配置上，配置中已显式给出的 Key 不覆盖
func (cs *CredentialStore) Apply(cfg *Config) error {
	embeddingKey, llmKey, err := cs.Load()
	if err != nil {
		return err
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = embeddingKey
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = llmKey
	}

	return nil
}
