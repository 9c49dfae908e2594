package model

// Entity is a disease being scored. Immutable once created.
type Entity struct {
	ID                 string `json:"entity_id" yaml:"entity_id"`
	Name               string `json:"name" yaml:"name"`
	ClassificationPath string `json:"classification_path,omitempty" yaml:"classification_path,omitempty"`
}

// EntityKey identifies the run history of one criterion for one entity.
type EntityKey struct {
	EntityID  string    `json:"entity_id"`
	Criterion Criterion `json:"criterion"`
}

func (k EntityKey) String() string {
	return k.EntityID + "|" + string(k.Criterion)
}
