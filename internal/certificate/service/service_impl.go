package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/poolsync/internal/certificate/domain"
	"github.com/smallbiznis/poolsync/internal/clock"
	"github.com/smallbiznis/poolsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config config.Config
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	signer *Signer
}

func New(p Params) domain.Service {
	if p.Config.CertSigningSecret == "" && p.Config.IsProduction() {
		p.Log.Warn("CERT_SIGNING_SECRET is empty; certificates are signed with the development key")
	}
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("certificate.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		signer: NewSigner(p.Config.CertSigningSecret),
	}
}

func (s *Service) Issue(ctx context.Context, tx *gorm.DB, req domain.IssueRequest) (*domain.Certificate, error) {
	if tx == nil {
		tx = s.db
	}
	if req.Payload == nil {
		return nil, domain.ErrMissingPayload
	}
	switch req.Kind {
	case domain.KindEntitlement, domain.KindContentAccess:
	default:
		return nil, domain.ErrInvalidKind
	}

	now := s.clock.Now()
	serial := &domain.Serial{
		ID:         s.genID.Generate(),
		Expiration: req.ExpiresAt,
		CreatedAt:  now,
	}
	if err := s.repo.InsertSerial(ctx, tx, serial); err != nil {
		return nil, err
	}

	req.Payload.Serial = serial.ID.String()
	req.Payload.IssuedAt = now
	stored, sig, err := s.signer.Seal(req.Payload)
	if err != nil {
		return nil, err
	}

	cert := &domain.Certificate{
		ID:            s.genID.Generate(),
		OwnerID:       req.OwnerID,
		ConsumerID:    req.ConsumerID,
		EntitlementID: req.EntitlementID,
		Kind:          req.Kind,
		SerialID:      serial.ID,
		Fingerprint:   req.Fingerprint,
		Payload:       stored,
		Signature:     sig,
		CreatedAt:     now,
	}
	if err := s.repo.Insert(ctx, tx, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Service) RevokeEntitlement(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) (int, error) {
	if tx == nil {
		tx = s.db
	}
	certs, err := s.repo.ListByEntitlement(ctx, tx, entitlementID)
	if err != nil {
		return 0, err
	}
	return s.revoke(ctx, tx, certs)
}

func (s *Service) RevokeContentAccess(ctx context.Context, tx *gorm.DB, consumerID snowflake.ID) (int, error) {
	if tx == nil {
		tx = s.db
	}
	certs, err := s.repo.ListContentAccess(ctx, tx, consumerID)
	if err != nil {
		return 0, err
	}
	return s.revoke(ctx, tx, certs)
}

// revoke marks serials dead and drops the certificate rows.
func (s *Service) revoke(ctx context.Context, tx *gorm.DB, certs []domain.Certificate) (int, error) {
	if len(certs) == 0 {
		return 0, nil
	}
	serials := make([]snowflake.ID, 0, len(certs))
	ids := make([]snowflake.ID, 0, len(certs))
	for _, c := range certs {
		serials = append(serials, c.SerialID)
		ids = append(ids, c.ID)
	}
	if err := s.repo.RevokeSerials(ctx, tx, serials, s.clock.Now()); err != nil {
		return 0, err
	}
	if err := s.repo.DeleteByIDs(ctx, tx, ids); err != nil {
		return 0, err
	}
	return len(certs), nil
}

func (s *Service) ListByEntitlement(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) ([]domain.Certificate, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.ListByEntitlement(ctx, tx, entitlementID)
}

func (s *Service) ListByConsumer(ctx context.Context, tx *gorm.DB, consumerID snowflake.ID) ([]domain.Certificate, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.ListByConsumer(ctx, tx, consumerID)
}

func (s *Service) ContentAccess(ctx context.Context, tx *gorm.DB, consumerID snowflake.ID) (*domain.Certificate, error) {
	if tx == nil {
		tx = s.db
	}
	certs, err := s.repo.ListContentAccess(ctx, tx, consumerID)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, domain.ErrNotFound
	}
	return &certs[len(certs)-1], nil
}

func (s *Service) Decode(cert *domain.Certificate) (*domain.Payload, error) {
	if cert == nil {
		return nil, domain.ErrNotFound
	}
	return s.signer.Open(cert.Payload, cert.Signature)
}

func (s *Service) Verify(cert *domain.Certificate) error {
	_, err := s.Decode(cert)
	return err
}

func (s *Service) SerialRevoked(ctx context.Context, serial snowflake.ID) (bool, error) {
	row, err := s.repo.FindSerial(ctx, s.db, serial)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, domain.ErrNotFound
	}
	return row.Revoked, nil
}

// ToResponse decodes cert for API output.
func ToResponse(svc domain.Service, cert *domain.Certificate) (*domain.CertificateResponse, error) {
	payload, err := svc.Decode(cert)
	if err != nil {
		return nil, err
	}
	resp := &domain.CertificateResponse{
		ID:        cert.ID.String(),
		Serial:    cert.SerialID.String(),
		Kind:      cert.Kind,
		Payload:   payload,
		Signature: cert.Signature,
	}
	if cert.EntitlementID != nil {
		id := cert.EntitlementID.String()
		resp.EntitlementID = &id
	}
	return resp, nil
}
