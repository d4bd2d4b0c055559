package authorization

import "context"

// Service decides whether an actor may perform action on object inside an
// owner's domain. Actors are "system", "admin:<name>" or "consumer:<uuid>".
type Service interface {
	Authorize(ctx context.Context, actor string, ownerKey string, object string, action string) error
}

const (
	ObjectOwner       = "owner"
	ObjectJob         = "refresh_job"
	ObjectPool        = "pool"
	ObjectProduct     = "product"
	ObjectConsumer    = "consumer"
	ObjectEntitlement = "entitlement"
	ObjectCertificate = "certificate"
)

const (
	ActionOwnerRefresh = "owner.refresh"
	ActionOwnerView    = "owner.view"

	ActionJobView    = "refresh_job.view"
	ActionJobCleanup = "refresh_job.cleanup"

	ActionPoolView    = "pool.view"
	ActionProductView = "product.view"

	ActionConsumerRegister = "consumer.register"

	ActionEntitlementView    = "entitlement.view"
	ActionEntitlementConsume = "entitlement.consume"
	ActionEntitlementRevoke  = "entitlement.revoke"

	ActionCertificateView = "certificate.view"
)

const (
	RoleSystem     = "role:system"
	RoleOwnerAdmin = "role:owner_admin"
	RoleConsumer   = "role:consumer"
)
