package cluster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field separator used by every message on the wire.
const Sep = "|"

// Client → coordinator operations.
const (
	OpQueryBalance  = "CONSULTAR_SALDO"
	OpTransferFunds = "TRANSFERIR_FONDOS"
	OpAudit         = "ARQUEO"
)

// Node → coordinator operations.
const (
	OpRegister  = "REGISTRO"
	OpHeartbeat = "HEARTBEAT"
)

// Coordinator/peer → worker operations.
const (
	OpQuery           = "CONSULTAR"
	OpTransfer        = "TRANSFERIR"
	OpLocalAudit      = "ARQUEO"
	OpGetPartition    = "OBTENER_PARTICION"
	OpUpdatePartition = "ACTUALIZAR_PARTICION"
	OpSyncPartition   = "SINCRONIZAR"
	OpFreeze          = "BLOQUEAR_ARQUEO"
	OpUnfreeze        = "DESBLOQUEAR_ARQUEO"
	OpPing            = "HEARTBEAT"
)

// Success response tags.
const (
	RespOK           = "OK"
	RespBalance      = "SALDO"
	RespAudit        = "ARQUEO"
	RespError        = "ERROR"
	RespRegistered   = "REGISTRO_EXITOSO"
	RespTransferDone = "TRANSFERENCIA_EXITOSA"
)

// Reason is an error tag carried in an ERROR|<reason> response.
type Reason string

const (
	ReasonPartitionNotFound     Reason = "PARTICION_NO_ENCONTRADA"
	ReasonPartitionNotLocal     Reason = "PARTICION_NO_LOCAL"
	ReasonPartitionMissing      Reason = "PARTICION_NO_EXISTE"
	ReasonAccountNotFound       Reason = "CUENTA_NO_EXISTE"
	ReasonInsufficientFunds     Reason = "SALDO_INSUFICIENTE"
	ReasonNodesUnavailable      Reason = "NODOS_NO_DISPONIBLES"
	ReasonAllNodesInactive      Reason = "TODOS_LOS_NODOS_INACTIVOS"
	ReasonConsistencyNotReached Reason = "CONSISTENCIA_NO_GARANTIZADA"
	ReasonTimeout               Reason = "TIEMPO_EXCEDIDO"
	ReasonCrossPartition        Reason = "TRANSFERENCIA_ENTRE_PARTICIONES_NO_SOPORTADA"
	ReasonUnsupported           Reason = "OPERACION_NO_SOPORTADA"
	ReasonInvalidFormat         Reason = "FORMATO_INVALIDO"
	ReasonInternal              Reason = "ERROR_INTERNO"
	ReasonAuditFailed           Reason = "ARQUEO_FALLIDO"
)

var (
	// ErrMalformedMessage is returned when a line cannot be parsed.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrNodeUnreachable is returned by Call for any transport failure.
	ErrNodeUnreachable = errors.New("node unreachable")
)

// Join builds a wire line from its fields, without the trailing newline.
func Join(fields ...string) string {
	return strings.Join(fields, Sep)
}

// Split breaks a line into at most n fields (n <= 0 means no limit).
// Trailing CR/LF is stripped first.
func Split(line string, n int) []string {
	line = strings.TrimRight(line, "\r\n")
	if n <= 0 {
		return strings.Split(line, Sep)
	}
	return strings.SplitN(line, Sep, n)
}

// ErrorLine formats an ERROR|<reason> response.
func ErrorLine(r Reason) string {
	return RespError + Sep + string(r)
}

// IsError reports whether a response line is an ERROR response.
func IsError(resp string) bool {
	return strings.HasPrefix(resp, RespError+Sep) || resp == RespError
}

// ReasonOf extracts the reason from an ERROR response. The second return is
// false when resp is not an error line.
func ReasonOf(resp string) (Reason, bool) {
	if !IsError(resp) {
		return "", false
	}
	parts := Split(resp, 2)
	if len(parts) < 2 {
		return "", true
	}
	return Reason(parts[1]), true
}

// PartitionRef is one "<resource>:<partitionId>" entry of a registration.
type PartitionRef struct {
	Resource  string
	Partition int
}

// Key returns the registry key for the reference.
func (p PartitionRef) Key() string {
	return PartitionKey(p.Resource, p.Partition)
}

// Registration is the payload of a REGISTRO message.
type Registration struct {
	Node       NodeInfo
	Partitions []PartitionRef
}

// FormatRegistration renders REGISTRO|<id>|<ip>|<port>|<res>:<pid>[,...].
func FormatRegistration(reg Registration) string {
	refs := make([]string, 0, len(reg.Partitions))
	for _, p := range reg.Partitions {
		refs = append(refs, p.Resource+":"+strconv.Itoa(p.Partition))
	}
	return Join(OpRegister,
		strconv.Itoa(reg.Node.ID),
		reg.Node.IP,
		strconv.Itoa(reg.Node.Port),
		strings.Join(refs, ","))
}

// ParseRegistration parses a REGISTRO line. Entries of the partition list
// that are not of the form resource:int are rejected.
func ParseRegistration(line string) (Registration, error) {
	parts := Split(line, 5)
	if len(parts) != 5 || parts[0] != OpRegister {
		return Registration{}, fmt.Errorf("%w: registration %q", ErrMalformedMessage, line)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return Registration{}, fmt.Errorf("%w: node id %q", ErrMalformedMessage, parts[1])
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port <= 0 || port > 65535 {
		return Registration{}, fmt.Errorf("%w: port %q", ErrMalformedMessage, parts[3])
	}
	if parts[2] == "" {
		return Registration{}, fmt.Errorf("%w: empty ip", ErrMalformedMessage)
	}

	reg := Registration{Node: NodeInfo{ID: id, IP: parts[2], Port: port}}
	for _, entry := range strings.Split(parts[4], ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.Split(entry, ":")
		if len(kv) != 2 || kv[0] == "" {
			return Registration{}, fmt.Errorf("%w: partition entry %q", ErrMalformedMessage, entry)
		}
		pid, err := strconv.Atoi(kv[1])
		if err != nil {
			return Registration{}, fmt.Errorf("%w: partition entry %q", ErrMalformedMessage, entry)
		}
		reg.Partitions = append(reg.Partitions, PartitionRef{Resource: kv[0], Partition: pid})
	}
	if len(reg.Partitions) == 0 {
		return Registration{}, fmt.Errorf("%w: registration without partitions", ErrMalformedMessage)
	}
	return reg, nil
}

// ParseHeartbeat parses HEARTBEAT|<nodeId>.
func ParseHeartbeat(line string) (int, error) {
	parts := Split(line, 0)
	if len(parts) != 2 || parts[0] != OpHeartbeat {
		return 0, fmt.Errorf("%w: heartbeat %q", ErrMalformedMessage, line)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: node id %q", ErrMalformedMessage, parts[1])
	}
	return id, nil
}
