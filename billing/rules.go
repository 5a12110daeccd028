/*
rules.go - Field-match rules and the order-field resolver

PURPOSE:
  A FieldMatchRule translates one order attribute into a payment search.
  Rules are company-scoped configuration, ordered by sequence; the engine
  tries them in order until an order's remainder reaches zero.

FIELD RESOLUTION:
  Rules name order fields as strings ("ml_order_id", "client_order_ref").
  Instead of reflecting over the Order struct at match time, a resolver
  maps every legal field name to a typed accessor when the rules are
  loaded. An unknown name is rejected up front with UnknownFieldError,
  before any invoice is touched - a silently skipped rule is a
  misconfiguration nobody notices until money stops matching.

SEE ALSO:
  - engine.go: consumes resolved rules
  - stores.go: PaymentQuery, the predicate handed to the payment store
*/
package billing

import "sort"

// =============================================================================
// MATCH RULE - Ordered, company-scoped configuration
// =============================================================================

// MatchMode controls how the payment store compares the rule value
// against the payment field.
type MatchMode string

const (
	MatchExact        MatchMode = "exact"
	MatchContains     MatchMode = "contains"      // case-sensitive substring
	MatchContainsFold MatchMode = "contains_fold" // case-insensitive substring
)

// FieldMatchRule maps an order attribute to a payment search predicate.
// Inactive rules are skipped; lower sequence wins first.
type FieldMatchRule struct {
	Name         string
	OrderField   string
	PaymentField string
	Mode         MatchMode
	Sequence     int
	Active       bool
	CompanyID    CompanyID
}

// Query builds the payment search predicate for a concrete order value.
func (r FieldMatchRule) Query(value, partnerID string) PaymentQuery {
	mode := r.Mode
	if mode == "" {
		mode = MatchContainsFold
	}
	return PaymentQuery{
		Field:     r.PaymentField,
		Value:     value,
		Mode:      mode,
		PartnerID: partnerID,
	}
}

// =============================================================================
// FIELD RESOLVER - Typed lookup table, populated at configuration load
// =============================================================================

// FieldResolver maps configurable order-field names to typed accessors.
type FieldResolver struct {
	fields map[string]func(Order) string
}

// defaultOrderFields are the match sources every deployment understands.
// "name" reads the order number; the rest read named lookup keys.
var defaultOrderFields = []string{
	"client_order_ref",
	"ml_order_id",
	"ml_pack_id",
	"origin",
	"reference",
}

// NewFieldResolver builds a resolver with the default fields plus any
// deployment-specific key names.
func NewFieldResolver(extraKeys ...string) *FieldResolver {
	r := &FieldResolver{fields: map[string]func(Order) string{
		"name": func(o Order) string { return o.Name },
	}}
	for _, k := range append(append([]string{}, defaultOrderFields...), extraKeys...) {
		key := k
		r.fields[key] = func(o Order) string { return o.Key(key) }
	}
	return r
}

// Register adds or overrides an accessor.
func (r *FieldResolver) Register(name string, get func(Order) string) {
	r.fields[name] = get
}

// Resolve returns the accessor for a field name.
func (r *FieldResolver) Resolve(name string) (func(Order) string, bool) {
	get, ok := r.fields[name]
	return get, ok
}

// =============================================================================
// RESOLVED RULES - What the engine actually iterates
// =============================================================================

// ResolvedRule pairs a rule with its typed order-field accessor.
type ResolvedRule struct {
	FieldMatchRule
	Value func(Order) string
}

// ResolveRules filters to active rules, orders them by ascending sequence,
// and binds each to its accessor. Any rule naming an unknown field fails
// the whole resolution - configuration problems surface before a run
// starts, not in the middle of one.
func ResolveRules(rules []FieldMatchRule, resolver *FieldResolver) ([]ResolvedRule, error) {
	var resolved []ResolvedRule
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		get, ok := resolver.Resolve(rule.OrderField)
		if !ok {
			return nil, &UnknownFieldError{Rule: rule.Name, Field: rule.OrderField}
		}
		resolved = append(resolved, ResolvedRule{FieldMatchRule: rule, Value: get})
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].Sequence < resolved[j].Sequence
	})
	return resolved, nil
}
