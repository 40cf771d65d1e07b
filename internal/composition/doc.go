// Package composition provides clients for the external composition system.
//
// GRPCClient speaks to the CompositionService over gRPC using
// google.protobuf.Struct messages, so no generated stubs are needed:
//
//	/composition.v1.CompositionService/Push  Struct{pair, variant, fields, fingerprint, idempotency_key, registry_version} -> Struct{revision}
//	/composition.v1.CompositionService/Pull  Struct{material_id, supplier_code} -> Struct{revision, fields}
//
// Memory is an in-process implementation used by scenarios, tests and the
// CLI's memory mode.
package composition
