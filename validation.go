package sharecrypt

import (
	"fmt"
)

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateIV checks if a content IV is exactly one block
func ValidateIV(iv []byte) error {
	if iv == nil {
		return &ValidationError{
			Field:   "iv",
			Message: "iv cannot be nil",
		}
	}
	if len(iv) != IVSize {
		return &ValidationError{
			Field:   "iv",
			Value:   len(iv),
			Message: fmt.Sprintf("invalid iv size: got %d bytes, expected %d bytes", len(iv), IVSize),
		}
	}
	return nil
}

// ValidateChunkSize checks that a streaming chunk size is a positive
// multiple of the block size
func ValidateChunkSize(size int) error {
	if size <= 0 {
		return &ValidationError{
			Field:   "chunk_size",
			Value:   size,
			Message: "chunk size must be positive",
		}
	}
	if size%BlockSize != 0 {
		return &ValidationError{
			Field:   "chunk_size",
			Value:   size,
			Message: fmt.Sprintf("chunk size must be a multiple of %d", BlockSize),
		}
	}
	return nil
}

// ValidateSize checks if a size parameter is valid
func ValidateSize(size int, name string, minSize, maxSize int) error {
	if size < 0 {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: "size cannot be negative",
		}
	}
	if minSize >= 0 && size < minSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too small: got %d, minimum is %d", size, minSize),
		}
	}
	if maxSize > 0 && size > maxSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too large: got %d, maximum is %d", size, maxSize),
		}
	}
	return nil
}

// ValidateFilePath checks if a file path is valid (not empty)
func ValidateFilePath(path string) error {
	if path == "" {
		return &ValidationError{
			Field:   "path",
			Message: "file path cannot be empty",
		}
	}
	return nil
}
