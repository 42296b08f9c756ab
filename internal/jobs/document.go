package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ZerkerEOD/otaagent/internal/config"
	"github.com/ZerkerEOD/otaagent/internal/docmodel"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/tidwall/gjson"
)

var (
	// ErrNoActiveJob means the document carries no execution, i.e. nothing is queued.
	ErrNoActiveJob = errors.New("jobs: no active job")
	// ErrMultiFileUnsupported rejects jobs carrying more than one file.
	ErrMultiFileUnsupported = errors.New("jobs: multi-file jobs are not supported")
	// ErrNoFiles rejects jobs whose file group is empty.
	ErrNoFiles = errors.New("jobs: job has no files")
)

// Document is a parsed job document.
type Document struct {
	// ClientToken views the source buffer. Copy it before the buffer is released.
	ClientToken   []byte
	Timestamp     uint32
	JobID         string
	StatusDetails []byte
	SelfTest      bool
	UpdatedBy     uint32
	JobDocument   []byte
	AfrOTA        []byte
	Protocols     []string
	StreamName    string
	Files         []byte
	File          FileDocument

	protocolsRaw string
}

// FileDocument is the single file entry of a job.
type FileDocument struct {
	FilePath   string
	FileSize   uint32
	FileID     uint32
	CertFile   string
	UpdateURL  string
	AuthScheme string
	Signature  []byte
	Attributes uint32
}

const keyProtocols = "execution.jobDocument.afr_ota.protocols"

// Parser parses job documents in two passes: the job envelope, then the
// first entry of its file group.
type Parser struct {
	job  *docmodel.Model[Document]
	file *docmodel.Model[FileDocument]

	// fileid is stored outside the file record.
	serverFileID uint32
}

// NewParser builds the job and file models.
func NewParser() (*Parser, error) {
	p := &Parser{}

	job, err := docmodel.NewModel([]docmodel.Param[Document]{
		{Key: "clientToken", Type: docmodel.StringInDoc, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.ClientToken })},
		{Key: "timestamp", Type: docmodel.UInt32, JSONType: docmodel.JSONPrimitive,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.Timestamp })},
		{Key: "execution", Required: true, Type: docmodel.Object, JSONType: docmodel.JSONObject,
			Dest: docmodel.DontStore[Document]()},
		{Key: "execution.jobId", Required: true, Type: docmodel.StringCopy, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.JobID })},
		{Key: "execution.statusDetails", Type: docmodel.Object, JSONType: docmodel.JSONObject,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.StatusDetails })},
		{Key: "execution.statusDetails.self_test", Type: docmodel.Ident, JSONType: docmodel.JSONAny,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.SelfTest })},
		{Key: "execution.statusDetails.updatedBy", Type: docmodel.UInt32, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.UpdatedBy })},
		{Key: "execution.jobDocument", Required: true, Type: docmodel.Object, JSONType: docmodel.JSONObject,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.JobDocument })},
		{Key: "execution.jobDocument.afr_ota", Required: true, Type: docmodel.Object, JSONType: docmodel.JSONObject,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.AfrOTA })},
		{Key: keyProtocols, Type: docmodel.ArrayCopy, JSONType: docmodel.JSONArray,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.protocolsRaw })},
		{Key: "execution.jobDocument.afr_ota.files", Required: true, Type: docmodel.Array, JSONType: docmodel.JSONArray,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.Files })},
		{Key: "execution.jobDocument.afr_ota.streamname", Type: docmodel.StringCopy, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(d *Document) any { return &d.StreamName })},
	}, docmodel.WithTokenBudget(config.MaxJSONTokens))
	if err != nil {
		return nil, fmt.Errorf("failed to build job model: %w", err)
	}

	file, err := docmodel.NewModel([]docmodel.Param[FileDocument]{
		{Key: "filepath", Required: true, Type: docmodel.StringCopy, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(f *FileDocument) any { return &f.FilePath })},
		{Key: "filesize", Required: true, Type: docmodel.UInt32, JSONType: docmodel.JSONPrimitive,
			Dest: docmodel.InRecord(func(f *FileDocument) any { return &f.FileSize })},
		{Key: "fileid", Required: true, Type: docmodel.UInt32, JSONType: docmodel.JSONPrimitive,
			Dest: docmodel.Absolute[FileDocument](&p.serverFileID)},
		{Key: "certfile", Required: true, Type: docmodel.StringCopy, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(f *FileDocument) any { return &f.CertFile })},
		{Key: "update_data_url", Type: docmodel.StringCopy, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(f *FileDocument) any { return &f.UpdateURL })},
		{Key: "auth_scheme", Type: docmodel.StringCopy, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(f *FileDocument) any { return &f.AuthScheme })},
		{Key: "sig-sha256-ecdsa", Required: true, Type: docmodel.SigBase64, JSONType: docmodel.JSONString,
			Dest: docmodel.InRecord(func(f *FileDocument) any { return &f.Signature })},
		{Key: "attr", Type: docmodel.UInt32, JSONType: docmodel.JSONPrimitive,
			Dest: docmodel.InRecord(func(f *FileDocument) any { return &f.Attributes })},
	}, docmodel.WithTokenBudget(config.MaxJSONTokens))
	if err != nil {
		return nil, fmt.Errorf("failed to build file model: %w", err)
	}

	p.job = job
	p.file = file
	return p, nil
}

// Parse parses doc. The returned document's ClientToken aliases doc.
func (p *Parser) Parse(doc []byte) (*Document, error) {
	if len(doc) > 0 && gjson.ValidBytes(doc) && !gjson.GetBytes(doc, "execution").Exists() {
		return nil, ErrNoActiveJob
	}

	d := &Document{}
	if err := p.job.Parse(doc, d); err != nil {
		return nil, err
	}

	if p.job.Has(keyProtocols) {
		gjson.Parse(d.protocolsRaw).ForEach(func(_, v gjson.Result) bool {
			d.Protocols = append(d.Protocols, strings.ToLower(v.String()))
			return true
		})
	}

	count := gjson.GetBytes(d.Files, "#").Int()
	switch {
	case count == 0:
		return nil, ErrNoFiles
	case count > config.MaxFiles:
		return nil, fmt.Errorf("%w: job %s has %d files", ErrMultiFileUnsupported, d.JobID, count)
	}

	first := gjson.GetBytes(d.Files, "0")
	if !first.IsObject() {
		return nil, &docmodel.ParseError{Code: docmodel.ErrFieldTypeMismatch, Keys: []string{"files.0"}}
	}
	entry := d.Files[first.Index : first.Index+len(first.Raw)]

	p.serverFileID = 0
	if err := p.file.Parse(entry, &d.File); err != nil {
		return nil, err
	}
	d.File.FileID = p.serverFileID
	return d, nil
}

// SelfTestPending reports whether the job was already in self-test when
// this document was issued, i.e. the agent restarted into a new image.
func (d *Document) SelfTestPending() bool {
	return d.SelfTest
}

// FileContext builds transfer state for the job's file.
func (d *Document) FileContext() *transfer.FileContext {
	return &transfer.FileContext{
		JobID:        d.JobID,
		FilePath:     d.File.FilePath,
		FileSize:     d.File.FileSize,
		ServerFileID: d.File.FileID,
		CertFile:     d.File.CertFile,
		UpdateURL:    d.File.UpdateURL,
		AuthScheme:   d.File.AuthScheme,
		StreamName:   d.StreamName,
		Protocols:    append([]string(nil), d.Protocols...),
		Signature:    append([]byte(nil), d.File.Signature...),
		Attributes:   d.File.Attributes,
	}
}
