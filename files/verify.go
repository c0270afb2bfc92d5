package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/store"
)

// maxVerifyWorkers bounds VerifyOptions.Workers
const maxVerifyWorkers = 1024

// VerifyOptions controls VerifyAll
type VerifyOptions struct {
	// Workers is the number of files checked at once.
	// If 0, defaults to runtime.NumCPU()
	Workers int
}

func (o VerifyOptions) workers() (int, error) {
	if o.Workers < 0 || o.Workers > maxVerifyWorkers {
		return 0, sharecrypt.NewValidationError("workers", o.Workers, fmt.Sprintf("must be between 0 and %d", maxVerifyWorkers))
	}
	if o.Workers == 0 {
		return runtime.NumCPU(), nil
	}
	return o.Workers, nil
}

// VerifyFailure is a file that could not be read back
type VerifyFailure struct {
	FileID string
	Err    error
}

// VerifyReport summarises a VerifyAll run
type VerifyReport struct {
	Checked  int
	Failures []VerifyFailure
}

// Verify reads a file back end to end and discards the plaintext. It fails
// when the key does not unwrap, the content tag does not match, or the
// plaintext length differs from the record.
func (s *Service) Verify(ctx context.Context, id string) error {
	rec, err := s.store.GetFile(ctx, id)
	if err != nil {
		return err
	}
	return s.verifyRecord(ctx, rec)
}

func (s *Service) verifyRecord(ctx context.Context, rec store.FileRecord) error {
	n, err := s.Decrypt(ctx, rec, io.Discard)
	if err != nil {
		return err
	}
	if n != rec.Size {
		return sharecrypt.NewDecryptionError(fmt.Sprintf("plaintext is %d bytes, record says %d", n, rec.Size), nil)
	}
	return nil
}

// VerifyAll checks every stored file with a pool of workers. Files deleted
// while the run is in progress are skipped. The returned error is non-nil
// only when the run itself could not complete; per-file problems are in
// the report.
func (s *Service) VerifyAll(ctx context.Context, opts VerifyOptions) (VerifyReport, error) {
	numWorkers, err := opts.workers()
	if err != nil {
		return VerifyReport{}, err
	}
	ids, err := s.store.ListFileIDs(ctx)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("failed to list files: %w", err)
	}
	if numWorkers > len(ids) {
		numWorkers = len(ids)
	}

	var (
		mu     sync.Mutex
		report VerifyReport
		wg     sync.WaitGroup
	)
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		report.Checked++
		if err != nil {
			report.Failures = append(report.Failures, VerifyFailure{FileID: id, Err: err})
		}
	}

	jobs := make(chan string)
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				record(id, s.verifyOne(ctx, id))
			}
		}()
	}

send:
	for _, id := range ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
			break send
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].FileID < report.Failures[j].FileID
	})
	for _, f := range report.Failures {
		s.log.WithError(f.Err).WithField("file", f.FileID).Error("file failed verification")
	}
	s.log.WithFields(logrus.Fields{
		"checked": report.Checked,
		"failed":  len(report.Failures),
	}).Info("verification finished")
	return report, nil
}

// verifyOne turns a panic in the cipher into a failure for that file
func (s *Service) verifyOne(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while verifying: %v", r)
		}
	}()
	return s.Verify(ctx, id)
}
