package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	actorSystem   = "system"
	actorAdmin    = "admin"
	actorConsumer = "consumer"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, ownerKey string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	ownerKey = strings.TrimSpace(ownerKey)
	if ownerKey == "" {
		return ErrInvalidOwner
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := s.resolveActor(ctx, actor, ownerKey)
	if err != nil {
		s.denied(actor, ownerKey, object, action, err)
		return err
	}

	domain := fmt.Sprintf("owner:%s", ownerKey)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.denied(actor, ownerKey, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, ownerKey string) (string, string, error) {
	if actor == actorSystem {
		return actor, RoleSystem, nil
	}
	kind, id, ok := strings.Cut(actor, ":")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", "", ErrInvalidActor
	}
	switch kind {
	case actorAdmin:
		return actor, RoleOwnerAdmin, nil
	case actorConsumer:
		owned, err := s.consumerOwnedBy(ctx, id, ownerKey)
		if err != nil {
			return "", "", err
		}
		if !owned {
			return "", "", ErrForbidden
		}
		return actor, RoleConsumer, nil
	}
	return "", "", ErrInvalidActor
}

func (s *ServiceImpl) consumerOwnedBy(ctx context.Context, uuid string, ownerKey string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM consumers c
		 JOIN owners o ON o.id = c.owner_id
		 WHERE c.uuid = ? AND o.key = ?`,
		uuid,
		ownerKey,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) denied(actor, ownerKey, object, action string, err error) {
	s.log.Info("authorization denied",
		zap.String("actor", actor),
		zap.String("owner_key", ownerKey),
		zap.String("object", object),
		zap.String("action", action),
		zap.Error(err),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	all := [][2]string{
		{ObjectOwner, ActionOwnerRefresh},
		{ObjectOwner, ActionOwnerView},
		{ObjectJob, ActionJobView},
		{ObjectJob, ActionJobCleanup},
		{ObjectPool, ActionPoolView},
		{ObjectProduct, ActionProductView},
		{ObjectConsumer, ActionConsumerRegister},
		{ObjectEntitlement, ActionEntitlementView},
		{ObjectEntitlement, ActionEntitlementConsume},
		{ObjectEntitlement, ActionEntitlementRevoke},
		{ObjectCertificate, ActionCertificateView},
	}

	policies := make([][]string, 0, len(all)*2+6)
	for _, p := range all {
		policies = append(policies,
			[]string{RoleSystem, p[0], p[1]},
			[]string{RoleOwnerAdmin, p[0], p[1]},
		)
	}
	// Consumers only see and manage their own attachments.
	policies = append(policies,
		[]string{RoleConsumer, ObjectPool, ActionPoolView},
		[]string{RoleConsumer, ObjectProduct, ActionProductView},
		[]string{RoleConsumer, ObjectEntitlement, ActionEntitlementView},
		[]string{RoleConsumer, ObjectEntitlement, ActionEntitlementConsume},
		[]string{RoleConsumer, ObjectEntitlement, ActionEntitlementRevoke},
		[]string{RoleConsumer, ObjectCertificate, ActionCertificateView},
	)

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
