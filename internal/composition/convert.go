package composition

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
)

func fieldsToStruct(fields model.FieldSet) (*structpb.Struct, error) {
	m := make(map[string]any, len(fields))
	for k, v := range fields {
		m[k] = model.ToGo(v)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return s, nil
}

func structToFields(s *structpb.Struct) (model.FieldSet, error) {
	out := make(model.FieldSet, len(s.GetFields()))
	for k, v := range s.AsMap() {
		val, err := model.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("decode field %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

func pushRequest(p reconcile.Payload) (*structpb.Struct, error) {
	fields, err := fieldsToStruct(p.Fields)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"pair":             structpb.NewStructValue(pairStruct(p.Pair)),
		"variant":          structpb.NewStringValue(string(p.Variant)),
		"fields":           structpb.NewStructValue(fields),
		"fingerprint":      structpb.NewStringValue(p.Fingerprint),
		"idempotency_key":  structpb.NewStringValue(p.IdempotencyKey),
		"registry_version": structpb.NewNumberValue(float64(p.RegistryVersion)),
	}}, nil
}

func pairStruct(pair model.PairKey) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"material_id":   structpb.NewStringValue(pair.MaterialID),
		"supplier_code": structpb.NewStringValue(pair.SupplierCode),
	}}
}

func structPair(s *structpb.Struct) (model.PairKey, error) {
	pair := model.PairKey{
		MaterialID:   s.GetFields()["material_id"].GetStringValue(),
		SupplierCode: s.GetFields()["supplier_code"].GetStringValue(),
	}
	return pair, pair.Validate()
}

func pushPayload(s *structpb.Struct) (reconcile.Payload, error) {
	f := s.GetFields()
	pair, err := structPair(f["pair"].GetStructValue())
	if err != nil {
		return reconcile.Payload{}, err
	}
	fields, err := structToFields(f["fields"].GetStructValue())
	if err != nil {
		return reconcile.Payload{}, err
	}
	return reconcile.Payload{
		Pair:            pair,
		Variant:         model.Variant(f["variant"].GetStringValue()),
		Fields:          fields,
		Fingerprint:     f["fingerprint"].GetStringValue(),
		IdempotencyKey:  f["idempotency_key"].GetStringValue(),
		RegistryVersion: int64(f["registry_version"].GetNumberValue()),
	}, nil
}

func snapshotStruct(snap *model.ExternalSnapshot) (*structpb.Struct, error) {
	fields, err := fieldsToStruct(snap.Fields)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"revision": structpb.NewStringValue(snap.Revision),
		"fields":   structpb.NewStructValue(fields),
	}}, nil
}
