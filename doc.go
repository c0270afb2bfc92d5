// Package sharecrypt provides the envelope encryption core of a secure
// file-sharing service: a master key derived once at startup, per-file keys
// wrapped under it, and a streaming content cipher for file bytes.
//
// # Overview
//
// Every stored file is encrypted with its own random 32-byte key and 16-byte
// IV. The file key is then wrapped under the master key by a KeyManager and
// persisted next to the file record. Downloading a file unwraps the key and
// streams the ciphertext back through the FileCipher.
//
// # Key Derivation
//
// The master key is derived with PBKDF2-SHA256 (100,000 iterations by
// default) from a long-term secret and a per-deployment random salt:
//
//	salt, err := sharecrypt.LoadOrCreateSalt("/var/lib/sharecrypt/salt", 32)
//	if err != nil {
//	    return err
//	}
//	master, err := sharecrypt.DeriveMasterKey(secret, salt, sharecrypt.DefaultPBKDF2Params())
//	if err != nil {
//	    return err
//	}
//	km, err := sharecrypt.NewKeyManager(master, sharecrypt.CipherAES256GCM)
//
// Derivation is deterministic, so the same secret and salt always produce
// the same master key and previously wrapped keys remain usable. The raw
// master key is held in a memguard enclave and only decrypted for the
// duration of a wrap or unwrap.
//
// # Wrapped Keys
//
// A wrapped key is self-contained:
//
//	version(1) | cipher(1) | nonce(12) | AEAD(fileKey) + tag(16)
//
// The two header bytes are authenticated as associated data. Unwrapping a
// modified, truncated or foreign wrapped key fails with *KeyUnwrapError.
//
// # Content Encryption
//
// File bytes are PKCS#7 padded and encrypted with AES-256-CBC, followed by
// an HMAC-SHA256 tag over the IV and ciphertext:
//
//	fc, _ := sharecrypt.NewFileCipher(0)
//	key, iv, _ := sharecrypt.NewFileKey()
//	n, err := fc.EncryptStream(blob, upload, key, iv)
//
// The tag is checked before decryption starts, so tampering surfaces as
// *DecryptionError and never as partial plaintext. Large files are processed
// in block-aligned chunks (64 KiB by default) without buffering the file.
//
// # Security Considerations
//
// Protected Against:
//   - Disclosure of stored files and wrapped keys
//   - Undetected modification of ciphertext or wrapped keys
//   - Precomputation across deployments sharing one secret (random salt)
//
// Not Protected Against:
//   - Compromise of the running process
//   - Reuse of a (key, IV) pair by callers
//   - Metadata leakage (file sizes, access patterns)
package sharecrypt
