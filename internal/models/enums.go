package models

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedFileType = errors.New("unsupported return file type")

type GuideType string

const (
	GuideTypeConsulta   GuideType = "CONSULTA"
	GuideTypeSPSADT     GuideType = "SP_SADT"
	GuideTypeInternacao GuideType = "INTERNACAO"
)

func (t GuideType) Valid() bool {
	switch t {
	case GuideTypeConsulta, GuideTypeSPSADT, GuideTypeInternacao:
		return true
	}
	return false
}

// ParseGuideType accepts the TISS spellings seen in operator files
// ("SP/SADT", "sp-sadt", "internação") as well as the canonical names.
func ParseGuideType(s string) (GuideType, error) {
	n := strings.ToUpper(strings.TrimSpace(s))
	n = strings.NewReplacer("/", "_", "-", "_", " ", "_", "Ç", "C", "Ã", "A").Replace(n)
	t := GuideType(n)
	if !t.Valid() {
		return "", fmt.Errorf("unknown guide type %q", s)
	}
	return t, nil
}

type GuideStatus string

const (
	GuideStatusPending  GuideStatus = "PENDING"
	GuideStatusSent     GuideStatus = "SENT"
	GuideStatusApproved GuideStatus = "APPROVED"
	GuideStatusPartial  GuideStatus = "PARTIAL"
	GuideStatusDenied   GuideStatus = "DENIED"
)

func (s GuideStatus) Valid() bool {
	switch s {
	case GuideStatusPending, GuideStatusSent, GuideStatusApproved, GuideStatusPartial, GuideStatusDenied:
		return true
	}
	return false
}

// Reconciled reports whether an operator return has settled the guide.
func (s GuideStatus) Reconciled() bool {
	return s == GuideStatusApproved || s == GuideStatusPartial || s == GuideStatusDenied
}

type BatchStatus string

const (
	BatchStatusDraft           BatchStatus = "DRAFT"
	BatchStatusValid           BatchStatus = "VALID"
	BatchStatusSent            BatchStatus = "SENT"
	BatchStatusProcessing      BatchStatus = "PROCESSING"
	BatchStatusPendingApproval BatchStatus = "PENDING_APPROVAL"
	BatchStatusApproved        BatchStatus = "APPROVED"
	BatchStatusPaid            BatchStatus = "PAID"
	BatchStatusInvalid         BatchStatus = "INVALID"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusDraft, BatchStatusValid, BatchStatusSent, BatchStatusProcessing,
		BatchStatusPendingApproval, BatchStatusApproved, BatchStatusPaid, BatchStatusInvalid:
		return true
	}
	return false
}

// AcceptsReturns reports whether operator return files may be uploaded.
func (s BatchStatus) AcceptsReturns() bool {
	return s == BatchStatusSent || s == BatchStatusProcessing
}

type ReturnFileType string

const (
	ReturnFileXML  ReturnFileType = "XML"
	ReturnFileTXT  ReturnFileType = "TXT"
	ReturnFileCSV  ReturnFileType = "CSV"
	ReturnFileXLSX ReturnFileType = "XLSX"
)

func ParseReturnFileType(s string) (ReturnFileType, error) {
	n := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "."))
	switch n {
	case "XML", "TEXT/XML", "APPLICATION/XML":
		return ReturnFileXML, nil
	case "TXT", "TEXT/PLAIN":
		return ReturnFileTXT, nil
	case "CSV", "TEXT/CSV":
		return ReturnFileCSV, nil
	case "XLSX", "APPLICATION/VND.OPENXMLFORMATS-OFFICEDOCUMENT.SPREADSHEETML.SHEET":
		return ReturnFileXLSX, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnsupportedFileType, s)
}

func (t ReturnFileType) ContentType() string {
	switch t {
	case ReturnFileXML:
		return "application/xml"
	case ReturnFileCSV:
		return "text/csv"
	case ReturnFileXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/plain"
	}
}

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "PENDING"
	ProcessingProcessing ProcessingStatus = "PROCESSING"
	ProcessingCompleted  ProcessingStatus = "COMPLETED"
	ProcessingFailed     ProcessingStatus = "FAILED"
)

type ImportErrorType string

const (
	ErrorTypeOrphanGuide     ImportErrorType = "ORPHAN_GUIDE"
	ErrorTypeUpdateFailed    ImportErrorType = "UPDATE_FAILED"
	ErrorTypeValidationError ImportErrorType = "VALIDATION_ERROR"
	ErrorTypeParseError      ImportErrorType = "PARSE_ERROR"
	ErrorTypeFileMissing     ImportErrorType = "FILE_MISSING"

	// ErrorTypeChecksumMismatch marks an upload whose bytes differ from the
	// digest declared when it was requested.
	ErrorTypeChecksumMismatch ImportErrorType = "CHECKSUM_MISMATCH"
)

type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "PENDING"
	ResolutionResolved ResolutionStatus = "RESOLVED"
	ResolutionIgnored  ResolutionStatus = "IGNORED"
)

// ParseResolution only admits the two terminal resolutions.
func ParseResolution(s string) (ResolutionStatus, error) {
	r := ResolutionStatus(strings.ToUpper(strings.TrimSpace(s)))
	if r != ResolutionResolved && r != ResolutionIgnored {
		return "", fmt.Errorf("resolution_status must be RESOLVED or IGNORED, got %q", s)
	}
	return r, nil
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
	OutboxDead    OutboxStatus = "DEAD"
)
