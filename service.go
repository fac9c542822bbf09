package securecore

// ServiceType is the closed catalog of wire service names the pipeline may
// invoke (spec §6), modeled as a string-backed enum the way the teacher
// models its Route enum in routes.go.
type ServiceType string

const (
	EstablishSecrecyChannel    ServiceType = "EstablishSecrecyChannel"
	RestoreSecrecyChannel      ServiceType = "RestoreSecrecyChannel"
	RegisterAppDevice          ServiceType = "RegisterAppDevice"
	InitiateVerification       ServiceType = "InitiateVerification"
	ValidatePhoneNumber        ServiceType = "ValidatePhoneNumber"
	VerifyOtp                  ServiceType = "VerifyOtp"
	OpaqueRegistrationInit     ServiceType = "OpaqueRegistrationInit"
	OpaqueRegistrationComplete ServiceType = "OpaqueRegistrationComplete"
	OpaqueSignInInit           ServiceType = "OpaqueSignInInit"
	OpaqueSignInComplete       ServiceType = "OpaqueSignInComplete"
)

// recoverySet is the service set §4.2 phase 1 always allows, even while the
// system is Recovering.
var recoverySet = map[ServiceType]bool{
	EstablishSecrecyChannel: true,
	RestoreSecrecyChannel:   true,
	RegisterAppDevice:       true,
}

// userInitiatedSet is the service set rejected with
// DataCenterNotResponding("recovering") while the system is Recovering.
var userInitiatedSet = map[ServiceType]bool{
	ValidatePhoneNumber:        true,
	VerifyOtp:                  true,
	InitiateVerification:       true,
	OpaqueRegistrationInit:     true,
	OpaqueRegistrationComplete: true,
	OpaqueSignInInit:           true,
	OpaqueSignInComplete:       true,
}

// defaultAllowDuplicatesSet is the service set exempted from duplicate
// suppression (§4.2 phase 3) regardless of the caller's allow_duplicates
// argument.
var defaultAllowDuplicatesSet = map[ServiceType]bool{
	InitiateVerification: true,
	ValidatePhoneNumber:  true,
}

// IsRecoveryService reports whether s is always allowed during Recovering.
func IsRecoveryService(s ServiceType) bool { return recoverySet[s] }

// IsUserInitiatedService reports whether s is gated during Recovering.
func IsUserInitiatedService(s ServiceType) bool { return userInitiatedSet[s] }

// AllowsDuplicatesByDefault reports whether s is exempt from duplicate
// suppression independent of the caller's allow_duplicates argument.
func AllowsDuplicatesByDefault(s ServiceType) bool { return defaultAllowDuplicatesSet[s] }

// FlowType selects how a ServiceRequest's response is shaped.
type FlowType uint8

const (
	FlowInvalid FlowType = iota
	FlowSingleCall
	FlowInboundStream
	FlowOutboundSink
	FlowBidirectionalStream
)

func (f FlowType) String() string {
	switch f {
	case FlowSingleCall:
		return "single_call"
	case FlowInboundStream:
		return "inbound_stream"
	case FlowOutboundSink:
		return "outbound_sink"
	case FlowBidirectionalStream:
		return "bidirectional_stream"
	default:
		return "invalid"
	}
}

// ServiceRequest is the envelope the pipeline sends over RpcTransport.Invoke
// (spec §6: "ServiceRequest{req_id, flow_type, service_type, cipher_payload,
// metadata[]}").
type ServiceRequest struct {
	ReqId         string
	FlowType      FlowType
	ServiceType   ServiceType
	CipherPayload []byte
	Metadata      map[string]string
}
