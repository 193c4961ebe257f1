// Package billing contains the entitlement and billing reconciliation domain.
//
// The domain keeps an organization's subscription tier, usage limits, and
// spend state consistent while three uncoordinated actors mutate it: the
// payment provider's asynchronous webhooks, user self-service actions, and
// administrative overrides. Coordination is achieved without distributed
// transactions, through idempotency keys on webhook events, optimistic
// version fields on subscriptions and organizations, and claim columns used
// as row-level mutexes for deferred work.
package billing
