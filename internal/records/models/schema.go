package models

// FieldKind declares how a schema field is encoded in canonical form.
type FieldKind string

const (
	KindString    FieldKind = "string"
	KindNumber    FieldKind = "number"
	KindMoney     FieldKind = "money"
	KindDate      FieldKind = "date"
	KindTimestamp FieldKind = "timestamp"
	KindBool      FieldKind = "bool"
	KindNested    FieldKind = "nested"
)

// FieldSpec is one entry of a record schema.
type FieldSpec struct {
	Name string
	Kind FieldKind
}

// Schema describes one record variant. Fields not listed are encoded by
// their native kind.
type Schema struct {
	Type          RecordType
	Table         string
	Fields        []FieldSpec
	DisplayFields []string
}

// Kind returns the declared kind of a field and whether it is declared.
func (s Schema) Kind(name string) (FieldKind, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Kind, true
		}
	}
	return "", false
}

// SchemaFor returns the schema of a record variant.
func SchemaFor(t RecordType) (Schema, bool) {
	s, ok := schemas[t]
	return s, ok
}

var schemas = map[RecordType]Schema{
	RecordTypeBudget: {
		Type:  RecordTypeBudget,
		Table: "budgets",
		Fields: []FieldSpec{
			{"department", KindString},
			{"fiscal_year", KindNumber},
			{"year", KindNumber},
			{"category", KindString},
			{"description", KindString},
			{"total_amount", KindMoney},
			{"allocated_amount", KindMoney},
			{"spent_amount", KindMoney},
			{"approved_date", KindDate},
		},
		DisplayFields: []string{"department", "category"},
	},
	RecordTypeProject: {
		Type:  RecordTypeProject,
		Table: "projects",
		Fields: []FieldSpec{
			{"name", KindString},
			{"description", KindString},
			{"budget_id", KindString},
			{"department", KindString},
			{"status", KindString},
			{"estimated_cost", KindMoney},
			{"actual_cost", KindMoney},
			{"start_date", KindDate},
			{"end_date", KindDate},
			{"location", KindNested},
		},
		DisplayFields: []string{"name"},
	},
	RecordTypeVendor: {
		Type:  RecordTypeVendor,
		Table: "vendors",
		Fields: []FieldSpec{
			{"name", KindString},
			{"registration_number", KindString},
			{"tax_id", KindString},
			{"contact_email", KindString},
			{"address", KindString},
			{"is_active", KindBool},
			{"registered_date", KindDate},
		},
		DisplayFields: []string{"name", "registration_number"},
	},
	RecordTypeTransaction: {
		Type:  RecordTypeTransaction,
		Table: "transactions",
		Fields: []FieldSpec{
			{"project_id", KindString},
			{"vendor_id", KindString},
			{"amount", KindMoney},
			{"currency", KindString},
			{"description", KindString},
			{"transaction_type", KindString},
			{"transaction_date", KindDate},
			{"reference_number", KindString},
		},
		DisplayFields: []string{"reference_number", "description"},
	},
	RecordTypeApproval: {
		Type:  RecordTypeApproval,
		Table: "approvals",
		Fields: []FieldSpec{
			{"subject_type", KindString},
			{"subject_id", KindString},
			{"approver_name", KindString},
			{"approver_role", KindString},
			{"decision", KindString},
			{"comments", KindString},
			{"decided_at", KindTimestamp},
		},
		DisplayFields: []string{"subject_id"},
	},
}
