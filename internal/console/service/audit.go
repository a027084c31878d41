package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// ErrArchiveDisabled — запрос к архиву без настроенной базы.
var ErrArchiveDisabled = errors.New("audit archive is not configured")

// AuditLog — живой in-memory журнал (audit.Trail).
type AuditLog interface {
	Query(f domain.AuditFilter) []domain.AuditEntry
	Export(w io.Writer, f domain.AuditFilter) (int, error)
}

// AuditArchive описывает контракт чтения долговременного архива (Postgres).
type AuditArchive interface {
	FindEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)
}

type AuditService struct {
	log     AuditLog
	archive AuditArchive // nil без Postgres
}

func NewAuditService(log AuditLog, archive AuditArchive) *AuditService {
	return &AuditService{
		log:     log,
		archive: archive,
	}
}

// FetchLogs отдает записи из журнала или, при fromArchive, из архива.
// Пустой результат — пустой массив, а не null.
func (s *AuditService) FetchLogs(ctx context.Context, f domain.AuditFilter, fromArchive bool) ([]domain.AuditEntry, error) {
	if !fromArchive {
		entries := s.log.Query(f)
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		return entries, nil
	}

	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	entries, err := s.archive.FindEntries(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch archive: %w", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

func (s *AuditService) Export(w io.Writer, f domain.AuditFilter) (int, error) {
	return s.log.Export(w, f)
}
