// Package service exposes the trust layer as a single facade over the
// encryption, audit, permission and compliance components.
package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/audit"
	"github.com/ssdp-platform/trust/trust/internal/compliance"
	"github.com/ssdp-platform/trust/trust/internal/encryption"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/rbac"
)

// ErrEncryptionUnavailable is returned by encryption operations when no
// master key was provisioned.
var ErrEncryptionUnavailable = errors.New("encryption service not configured")

// TrustService is the public API of the trust layer.
type TrustService struct {
	enc       *encryption.Service
	audit     *audit.Logger
	guard     *rbac.Guard
	validator *compliance.Validator
	logger    *logging.Logger
}

// NewService builds the facade. enc may be nil; encryption calls then fail
// with ErrEncryptionUnavailable.
func NewService(enc *encryption.Service, auditLogger *audit.Logger, guard *rbac.Guard, validator *compliance.Validator, logger *logging.Logger) *TrustService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TrustService{
		enc:       enc,
		audit:     auditLogger,
		guard:     guard,
		validator: validator,
		logger:    logger,
	}
}

// Encryption

func (s *TrustService) encryption() (*encryption.Service, error) {
	if s.enc == nil {
		return nil, ErrEncryptionUnavailable
	}
	return s.enc, nil
}

func (s *TrustService) Encrypt(plaintext string) (string, error) {
	enc, err := s.encryption()
	if err != nil {
		return "", err
	}
	return enc.Encrypt(plaintext)
}

func (s *TrustService) Decrypt(blob string) (string, error) {
	enc, err := s.encryption()
	if err != nil {
		return "", err
	}
	return enc.Decrypt(blob)
}

func (s *TrustService) EncryptField(plaintext string) (*models.EncryptedField, error) {
	enc, err := s.encryption()
	if err != nil {
		return nil, err
	}
	return enc.EncryptField(plaintext)
}

func (s *TrustService) DecryptField(field *models.EncryptedField) (string, error) {
	enc, err := s.encryption()
	if err != nil {
		return "", err
	}
	return enc.DecryptField(field)
}

func (s *TrustService) EncryptPII(record models.Record) (models.Record, error) {
	enc, err := s.encryption()
	if err != nil {
		return nil, err
	}
	return enc.EncryptPII(record)
}

func (s *TrustService) EncryptFinancial(record models.Record) (models.Record, error) {
	enc, err := s.encryption()
	if err != nil {
		return nil, err
	}
	return enc.EncryptFinancial(record)
}

// DecryptFields decrypts the named fields and returns the names that failed.
// Without a key every present field is reported as failed.
func (s *TrustService) DecryptFields(record models.Record, fields []string) (models.Record, []string) {
	if s.enc == nil {
		var failed []string
		for _, f := range fields {
			if v, ok := record[f]; ok && v != nil {
				failed = append(failed, f)
			}
		}
		out := record.Clone()
		if out == nil {
			out = models.Record{}
		}
		return out, failed
	}
	return s.enc.DecryptFields(record, fields)
}

// ProtectRecord encrypts every PII and financial field in record and writes
// a modification entry naming the fields that were encrypted.
func (s *TrustService) ProtectRecord(ctx context.Context, userID string, action models.AuditAction, resourceType models.ResourceType, resourceID string, record models.Record) (models.Record, error) {
	out, err := s.EncryptPII(record)
	if err != nil {
		return nil, err
	}
	out, err = s.EncryptFinancial(out)
	if err != nil {
		return nil, err
	}

	changes := make(map[string]any)
	var encrypted []string
	for k, v := range out {
		if encryption.IsSensitiveField(k) && v != nil {
			changes[k] = v
			encrypted = append(encrypted, k)
		}
	}
	sort.Strings(encrypted)
	changes["encrypted_fields"] = encrypted

	if _, err := s.audit.LogModification(ctx, userID, action, resourceType, resourceID, changes); err != nil {
		return nil, err
	}
	return out, nil
}

// RevealFields decrypts fields of a record after an access check. The read
// is audited whether or not decryption succeeds; a denial returns the
// decision and no record.
func (s *TrustService) RevealFields(ctx context.Context, req models.AccessRequest, record models.Record, fields []string) (models.Record, []string, models.PermissionDecision, error) {
	decision, err := s.guard.Decide(ctx, req)
	if err != nil || !decision.Granted {
		return nil, nil, decision, err
	}

	out, failed := s.DecryptFields(record, fields)
	if _, err := s.audit.LogDataAccess(ctx, req.UserID, req.ResourceType, req.ResourceID, fields, req.IPAddress); err != nil {
		return nil, nil, decision, err
	}
	if len(failed) > 0 {
		s.logger.WithContext(ctx).Warn("fields could not be decrypted",
			logging.UserID(req.UserID),
			"fields", failed,
		)
	}
	return out, failed, decision, nil
}

// Audit

func (s *TrustService) LogDataAccess(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string, fieldsAccessed []string, ip string) (*models.AuditLogEntry, error) {
	return s.audit.LogDataAccess(ctx, userID, resourceType, resourceID, fieldsAccessed, ip)
}

func (s *TrustService) LogModification(ctx context.Context, userID string, action models.AuditAction, resourceType models.ResourceType, resourceID string, changes map[string]any) (*models.AuditLogEntry, error) {
	return s.audit.LogModification(ctx, userID, action, resourceType, resourceID, changes)
}

func (s *TrustService) LogSecurityEvent(ctx context.Context, userID, eventType string, details map[string]any, severity models.Severity) (*models.AuditLogEntry, error) {
	return s.audit.LogSecurityEvent(ctx, userID, eventType, details, severity)
}

func (s *TrustService) GetLogs(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	return s.audit.GetLogs(ctx, filter)
}

func (s *TrustService) GetEntry(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	return s.audit.GetEntry(ctx, id)
}

func (s *TrustService) Export(ctx context.Context, filter models.AuditFilter, format string) ([]byte, error) {
	return s.audit.Export(ctx, filter, format)
}

func (s *TrustService) VerifyEntry(ctx context.Context, id string) (bool, error) {
	return s.audit.VerifyEntry(ctx, id)
}

func (s *TrustService) VerifyAll(ctx context.Context) (int, bool, error) {
	return s.audit.VerifyAll(ctx)
}

func (s *TrustService) Purge(ctx context.Context, actorID string, before time.Time) (int64, error) {
	return s.audit.Purge(ctx, actorID, before)
}

// FlushAudit blocks until queued entries reached the store or the spool.
func (s *TrustService) FlushAudit(ctx context.Context) error {
	return s.audit.Flush(ctx)
}

// Permissions

func (s *TrustService) HasPermission(role, permission string) bool {
	return s.guard.HasPermission(role, permission)
}

func (s *TrustService) CheckAccess(ctx context.Context, req models.AccessRequest) (bool, error) {
	return s.guard.CheckAccess(ctx, req)
}

func (s *TrustService) Decide(ctx context.Context, req models.AccessRequest) (models.PermissionDecision, error) {
	return s.guard.Decide(ctx, req)
}

func (s *TrustService) Roles() []models.Role {
	return s.guard.Roles().Roles()
}

func (s *TrustService) Permissions(role models.Role) []string {
	return s.guard.Roles().Permissions(role)
}

// Compliance

func (s *TrustService) ValidateZATCAInvoice(invoice models.Record) ([]models.ComplianceViolation, error) {
	return s.validator.ValidateZATCAInvoice(invoice)
}

func (s *TrustService) ValidatePDPLData(record models.Record, dataContext string) ([]models.ComplianceViolation, error) {
	return s.validator.ValidatePDPLData(record, dataContext)
}

func (s *TrustService) ValidateHIPAAData(ctx context.Context, record models.Record) ([]models.ComplianceViolation, error) {
	return s.validator.ValidateHIPAAData(ctx, record)
}

func (s *TrustService) ValidateNPHIES(record models.Record) ([]models.ComplianceViolation, error) {
	return s.validator.ValidateNPHIES(record)
}

func (s *TrustService) GetComplianceReport(ctx context.Context, scope models.ComplianceScope) (*models.ComplianceReport, error) {
	return s.validator.GetComplianceReport(ctx, scope)
}
