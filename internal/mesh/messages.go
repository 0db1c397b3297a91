package mesh

import "fmt"

// MessageType is the one-byte kind tag of a frame.
type MessageType uint8

// Message kinds understood by the relay.
const (
	TypeNoop                   MessageType = 0x00
	TypeEchoRequest            MessageType = 0x01
	TypeEchoResponse           MessageType = 0x02
	TypeSignIn                 MessageType = 0x03
	TypeLayerAnnounce          MessageType = 0x04
	TypeAddDestinations        MessageType = 0x05
	TypeRemoveDestinations     MessageType = 0x06
	TypeRouteRequest           MessageType = 0x07
	TypeRouteResponse          MessageType = 0x08
	TypeRouteTrace             MessageType = 0x09
	TypeRoutingFailed          MessageType = 0x0a
	TypeConfigDump             MessageType = 0x10
	TypeConfigHardware         MessageType = 0x11
	TypeConfigBoard            MessageType = 0x12
	TypeConfigFirmware         MessageType = 0x13
	TypeConfigUplink           MessageType = 0x14
	TypeConfigPosition         MessageType = 0x15
	TypeOTAStatus              MessageType = 0x20
	TypeOTARequestStatus       MessageType = 0x21
	TypeOTAStart               MessageType = 0x22
	TypeOTAURL                 MessageType = 0x23
	TypeOTAFragment            MessageType = 0x24
	TypeOTARequestFragments    MessageType = 0x25
	TypeOTAApply               MessageType = 0x26
	TypeOTAReboot              MessageType = 0x27
	TypeLocateRequestRange     MessageType = 0x30
	TypeLocateRangeResults     MessageType = 0x31
)

var typeNames = map[MessageType]string{
	TypeNoop:                "NOOP",
	TypeEchoRequest:         "ECHO_REQUEST",
	TypeEchoResponse:        "ECHO_RESPONSE",
	TypeSignIn:              "MESH_SIGNIN",
	TypeLayerAnnounce:       "MESH_LAYER_ANNOUNCE",
	TypeAddDestinations:     "MESH_ADD_DESTINATIONS",
	TypeRemoveDestinations:  "MESH_REMOVE_DESTINATIONS",
	TypeRouteRequest:        "MESH_ROUTE_REQUEST",
	TypeRouteResponse:       "MESH_ROUTE_RESPONSE",
	TypeRouteTrace:          "MESH_ROUTE_TRACE",
	TypeRoutingFailed:       "MESH_ROUTING_FAILED",
	TypeConfigDump:          "CONFIG_DUMP",
	TypeConfigHardware:      "CONFIG_HARDWARE",
	TypeConfigBoard:         "CONFIG_BOARD",
	TypeConfigFirmware:      "CONFIG_FIRMWARE",
	TypeConfigUplink:        "CONFIG_UPLINK",
	TypeConfigPosition:      "CONFIG_POSITION",
	TypeOTAStatus:           "OTA_STATUS",
	TypeOTARequestStatus:    "OTA_REQUEST_STATUS",
	TypeOTAStart:            "OTA_START",
	TypeOTAURL:              "OTA_URL",
	TypeOTAFragment:         "OTA_FRAGMENT",
	TypeOTARequestFragments: "OTA_REQUEST_FRAGMENT",
	TypeOTAApply:            "OTA_APPLY",
	TypeOTAReboot:           "OTA_REBOOT",
	TypeLocateRequestRange:  "LOCATE_REQUEST_RANGE",
	TypeLocateRangeResults:  "LOCATE_RANGE_RESULTS",
}

var typesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", uint8(t))
}

// ParseMessageType resolves a type name such as "MESH_SIGNIN".
func ParseMessageType(name string) (MessageType, error) {
	t, ok := typesByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown message type %q", name)
	}
	return t, nil
}

func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Types returns every known message type in tag order.
func Types() []MessageType {
	out := make([]MessageType, 0, len(typeNames))
	for i := 0; i < 256; i++ {
		if _, ok := typeNames[MessageType(i)]; ok {
			out = append(out, MessageType(i))
		}
	}
	return out
}

// newMessage returns an empty message of kind t, or nil for unknown kinds.
func newMessage(t MessageType) Message {
	switch t {
	case TypeNoop:
		return &Noop{}
	case TypeEchoRequest:
		return &EchoRequest{}
	case TypeEchoResponse:
		return &EchoResponse{}
	case TypeSignIn:
		return &SignIn{}
	case TypeLayerAnnounce:
		return &LayerAnnounce{}
	case TypeAddDestinations:
		return &AddDestinations{}
	case TypeRemoveDestinations:
		return &RemoveDestinations{}
	case TypeRouteRequest:
		return &RouteRequest{}
	case TypeRouteResponse:
		return &RouteResponse{}
	case TypeRouteTrace:
		return &RouteTrace{}
	case TypeRoutingFailed:
		return &RoutingFailed{}
	case TypeConfigDump:
		return &ConfigDump{}
	case TypeConfigHardware:
		return &ConfigHardware{}
	case TypeConfigBoard:
		return &ConfigBoard{}
	case TypeConfigFirmware:
		return &ConfigFirmware{}
	case TypeConfigUplink:
		return &ConfigUplink{}
	case TypeConfigPosition:
		return &ConfigPosition{}
	case TypeOTAStatus:
		return &OTAStatus{}
	case TypeOTARequestStatus:
		return &OTARequestStatus{}
	case TypeOTAStart:
		return &OTAStart{}
	case TypeOTAURL:
		return &OTAURL{}
	case TypeOTAFragment:
		return &OTAFragment{}
	case TypeOTARequestFragments:
		return &OTARequestFragments{}
	case TypeOTAApply:
		return &OTAApply{}
	case TypeOTAReboot:
		return &OTAReboot{}
	case TypeLocateRequestRange:
		return &LocateRequestRange{}
	case TypeLocateRangeResults:
		return &LocateRangeResults{}
	}
	return nil
}

// Header carries the addressing common to every message.
type Header struct {
	Dst Address `json:"dst"`
	Src Address `json:"src"`
}

// MessageHeader gives access to the addressing of any Message.
func (h *Header) MessageHeader() *Header { return h }

// Message is implemented by the pointer types in this package only.
type Message interface {
	Type() MessageType
	MessageHeader() *Header
	encodePayload(w *writer)
	decodePayload(r *reader)
}

// empty is embedded by kinds without a payload.
type empty struct{}

func (empty) encodePayload(*writer) {}
func (empty) decodePayload(*reader) {}

type Noop struct {
	Header
	empty
}

func (*Noop) Type() MessageType { return TypeNoop }

type EchoRequest struct {
	Header
	Content string `json:"content"`
}

func (*EchoRequest) Type() MessageType         { return TypeEchoRequest }
func (m *EchoRequest) encodePayload(w *writer) { w.varstr(m.Content) }
func (m *EchoRequest) decodePayload(r *reader) { m.Content = r.varstr() }

type EchoResponse struct {
	Header
	Content string `json:"content"`
}

func (*EchoResponse) Type() MessageType         { return TypeEchoResponse }
func (m *EchoResponse) encodePayload(w *writer) { w.varstr(m.Content) }
func (m *EchoResponse) decodePayload(r *reader) { m.Content = r.varstr() }

// SignIn is the first frame an uplink must send.
type SignIn struct {
	Header
	empty
}

func (*SignIn) Type() MessageType { return TypeSignIn }

type LayerAnnounce struct {
	Header
	Layer uint8 `json:"layer"`
}

func (*LayerAnnounce) Type() MessageType         { return TypeLayerAnnounce }
func (m *LayerAnnounce) encodePayload(w *writer) { w.u8(m.Layer) }
func (m *LayerAnnounce) decodePayload(r *reader) { m.Layer = r.u8() }

// AddDestinations lists nodes reachable through the sending uplink. An empty
// list decodes as nil, the canonical empty value.
type AddDestinations struct {
	Header
	Addresses []Address `json:"addresses"`
}

func (*AddDestinations) Type() MessageType         { return TypeAddDestinations }
func (m *AddDestinations) encodePayload(w *writer) { w.addrs(m.Addresses) }
func (m *AddDestinations) decodePayload(r *reader) { m.Addresses = r.addrs() }

type RemoveDestinations struct {
	Header
	Addresses []Address `json:"addresses"`
}

func (*RemoveDestinations) Type() MessageType         { return TypeRemoveDestinations }
func (m *RemoveDestinations) encodePayload(w *writer) { w.addrs(m.Addresses) }
func (m *RemoveDestinations) decodePayload(r *reader) { m.Addresses = r.addrs() }

type RouteRequest struct {
	Header
	RequestID uint32  `json:"request_id"`
	Address   Address `json:"address"`
}

func (*RouteRequest) Type() MessageType { return TypeRouteRequest }

func (m *RouteRequest) encodePayload(w *writer) {
	w.u32(m.RequestID)
	w.addr(m.Address)
}

func (m *RouteRequest) decodePayload(r *reader) {
	m.RequestID = r.u32()
	m.Address = r.addr()
}

type RouteResponse struct {
	Header
	RequestID uint32  `json:"request_id"`
	Route     Address `json:"route"`
}

func (*RouteResponse) Type() MessageType { return TypeRouteResponse }

func (m *RouteResponse) encodePayload(w *writer) {
	w.u32(m.RequestID)
	w.addr(m.Route)
}

func (m *RouteResponse) decodePayload(r *reader) {
	m.RequestID = r.u32()
	m.Route = r.addr()
}

type RouteTrace struct {
	Header
	RequestID uint32    `json:"request_id"`
	Trace     []Address `json:"trace"`
}

func (*RouteTrace) Type() MessageType { return TypeRouteTrace }

func (m *RouteTrace) encodePayload(w *writer) {
	w.u32(m.RequestID)
	w.addrs(m.Trace)
}

func (m *RouteTrace) decodePayload(r *reader) {
	m.RequestID = r.u32()
	m.Trace = r.addrs()
}

type RoutingFailed struct {
	Header
	Address Address `json:"address"`
}

func (*RoutingFailed) Type() MessageType         { return TypeRoutingFailed }
func (m *RoutingFailed) encodePayload(w *writer) { w.addr(m.Address) }
func (m *RoutingFailed) decodePayload(r *reader) { m.Address = r.addr() }

// ConfigDump asks a node to report its full configuration.
type ConfigDump struct {
	Header
	empty
}

func (*ConfigDump) Type() MessageType { return TypeConfigDump }

type ConfigHardware struct {
	Header
	Chip          uint16 `json:"chip"`
	RevisionMajor uint8  `json:"revision_major"`
	RevisionMinor uint8  `json:"revision_minor"`
}

func (*ConfigHardware) Type() MessageType { return TypeConfigHardware }

func (m *ConfigHardware) encodePayload(w *writer) {
	w.u16(m.Chip)
	w.u8(m.RevisionMajor)
	w.u8(m.RevisionMinor)
}

func (m *ConfigHardware) decodePayload(r *reader) {
	m.Chip = r.u16()
	m.RevisionMajor = r.u8()
	m.RevisionMinor = r.u8()
}

type ConfigBoard struct {
	Header
	Board uint16 `json:"board"`
}

func (*ConfigBoard) Type() MessageType         { return TypeConfigBoard }
func (m *ConfigBoard) encodePayload(w *writer) { w.u16(m.Board) }
func (m *ConfigBoard) decodePayload(r *reader) { m.Board = r.u16() }

// FirmwareMagic prefixes every firmware description.
const FirmwareMagic uint32 = 0xABCD5432

// Fixed string widths of the firmware description.
const (
	firmwareVersionLen     = 32
	firmwareProjectLen     = 32
	firmwareCompileTimeLen = 16
	firmwareCompileDateLen = 16
	firmwareIDFVersionLen  = 32
)

// ConfigFirmware describes the application image running on a node.
type ConfigFirmware struct {
	Header
	SecureVersion uint32   `json:"secure_version"`
	Version       string   `json:"version"`
	ProjectName   string   `json:"project_name"`
	CompileTime   string   `json:"compile_time"`
	CompileDate   string   `json:"compile_date"`
	IDFVersion    string   `json:"idf_version"`
	AppELFSHA256  [32]byte `json:"app_elf_sha256"`
}

func (*ConfigFirmware) Type() MessageType { return TypeConfigFirmware }

func (m *ConfigFirmware) encodePayload(w *writer) {
	w.u32(FirmwareMagic)
	w.u32(m.SecureVersion)
	w.fixedstr(m.Version, firmwareVersionLen)
	w.fixedstr(m.ProjectName, firmwareProjectLen)
	w.fixedstr(m.CompileTime, firmwareCompileTimeLen)
	w.fixedstr(m.CompileDate, firmwareCompileDateLen)
	w.fixedstr(m.IDFVersion, firmwareIDFVersionLen)
	w.buf = append(w.buf, m.AppELFSHA256[:]...)
}

func (m *ConfigFirmware) decodePayload(r *reader) {
	if magic := r.u32(); r.err == nil && magic != FirmwareMagic {
		r.fail("firmware magic %#x", magic)
	}
	m.SecureVersion = r.u32()
	m.Version = r.fixedstr(firmwareVersionLen)
	m.ProjectName = r.fixedstr(firmwareProjectLen)
	m.CompileTime = r.fixedstr(firmwareCompileTimeLen)
	m.CompileDate = r.fixedstr(firmwareCompileDateLen)
	m.IDFVersion = r.fixedstr(firmwareIDFVersionLen)
	copy(m.AppELFSHA256[:], r.take(len(m.AppELFSHA256)))
}

// MaxWifiChannel is the highest valid ConfigUplink channel; 0 means auto.
const MaxWifiChannel = 14

const (
	uplinkSSIDLen     = 32
	uplinkPasswordLen = 64
)

type ConfigUplink struct {
	Header
	Enabled  bool   `json:"enabled"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	Channel  uint8  `json:"channel"`
	UDP      bool   `json:"udp"`
	SSL      bool   `json:"ssl"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
}

func (*ConfigUplink) Type() MessageType { return TypeConfigUplink }

func (m *ConfigUplink) encodePayload(w *writer) {
	w.boolean(m.Enabled)
	w.fixedstr(m.SSID, uplinkSSIDLen)
	w.fixedstr(m.Password, uplinkPasswordLen)
	w.u8(m.Channel)
	w.boolean(m.UDP)
	w.boolean(m.SSL)
	w.varstr(m.Host)
	w.u16(m.Port)
}

func (m *ConfigUplink) decodePayload(r *reader) {
	m.Enabled = r.boolean("enabled")
	m.SSID = r.fixedstr(uplinkSSIDLen)
	m.Password = r.fixedstr(uplinkPasswordLen)
	m.Channel = r.u8()
	if m.Channel > MaxWifiChannel {
		r.fail("channel %d out of range", m.Channel)
	}
	m.UDP = r.boolean("udp")
	m.SSL = r.boolean("ssl")
	m.Host = r.varstr()
	m.Port = r.u16()
}

// ConfigPosition is a node's configured location in centimeters.
type ConfigPosition struct {
	Header
	X int32 `json:"x_pos"`
	Y int32 `json:"y_pos"`
	Z int16 `json:"z_pos"`
}

func (*ConfigPosition) Type() MessageType { return TypeConfigPosition }

func (m *ConfigPosition) encodePayload(w *writer) {
	w.i32(m.X)
	w.i32(m.Y)
	w.i16(m.Z)
}

func (m *ConfigPosition) decodePayload(r *reader) {
	m.X = r.i32()
	m.Y = r.i32()
	m.Z = r.i16()
}

// OTAState is the progress of a firmware update on a node.
type OTAState uint8

const (
	OTAStateNone OTAState = iota
	OTAStateStarted
	OTAStateApplied
	OTAStateStartFailed
	OTAStateWriteFailed
	OTAStateApplyFailed
)

type OTAStatus struct {
	Header
	UpdateID          uint32   `json:"update_id"`
	ReceivedBytes     uint32   `json:"received_bytes"`
	NextExpectedChunk uint16   `json:"next_expected_chunk"`
	AutoApply         bool     `json:"auto_apply"`
	AutoReboot        bool     `json:"auto_reboot"`
	Status            OTAState `json:"status"`
}

func (*OTAStatus) Type() MessageType { return TypeOTAStatus }

func (m *OTAStatus) encodePayload(w *writer) {
	w.u32(m.UpdateID)
	w.u32(m.ReceivedBytes)
	w.u16(m.NextExpectedChunk)
	w.boolean(m.AutoApply)
	w.boolean(m.AutoReboot)
	w.u8(uint8(m.Status))
}

func (m *OTAStatus) decodePayload(r *reader) {
	m.UpdateID = r.u32()
	m.ReceivedBytes = r.u32()
	m.NextExpectedChunk = r.u16()
	m.AutoApply = r.boolean("auto_apply")
	m.AutoReboot = r.boolean("auto_reboot")
	m.Status = OTAState(r.u8())
	if m.Status > OTAStateApplyFailed {
		r.fail("ota status %d out of range", m.Status)
	}
}

type OTARequestStatus struct {
	Header
	empty
}

func (*OTARequestStatus) Type() MessageType { return TypeOTARequestStatus }

type OTAStart struct {
	Header
	UpdateID   uint32 `json:"update_id"`
	TotalBytes uint32 `json:"total_bytes"`
	AutoApply  bool   `json:"auto_apply"`
	AutoReboot bool   `json:"auto_reboot"`
}

func (*OTAStart) Type() MessageType { return TypeOTAStart }

func (m *OTAStart) encodePayload(w *writer) {
	w.u32(m.UpdateID)
	w.u32(m.TotalBytes)
	w.boolean(m.AutoApply)
	w.boolean(m.AutoReboot)
}

func (m *OTAStart) decodePayload(r *reader) {
	m.UpdateID = r.u32()
	m.TotalBytes = r.u32()
	m.AutoApply = r.boolean("auto_apply")
	m.AutoReboot = r.boolean("auto_reboot")
}

type OTAURL struct {
	Header
	UpdateID   uint32 `json:"update_id"`
	Distribute bool   `json:"distribute"`
	URL        string `json:"url"`
}

func (*OTAURL) Type() MessageType { return TypeOTAURL }

func (m *OTAURL) encodePayload(w *writer) {
	w.u32(m.UpdateID)
	w.boolean(m.Distribute)
	w.varstr(m.URL)
}

func (m *OTAURL) decodePayload(r *reader) {
	m.UpdateID = r.u32()
	m.Distribute = r.boolean("distribute")
	m.URL = r.varstr()
}

type OTAFragment struct {
	Header
	UpdateID uint32 `json:"update_id"`
	Chunk    uint16 `json:"chunk"`
	Data     []byte `json:"data"`
}

func (*OTAFragment) Type() MessageType { return TypeOTAFragment }

func (m *OTAFragment) encodePayload(w *writer) {
	data := m.Data
	if len(data) > 0xffff {
		data = data[:0xffff]
	}
	w.u32(m.UpdateID)
	w.u16(m.Chunk)
	w.u16(uint16(len(data)))
	w.buf = append(w.buf, data...)
}

func (m *OTAFragment) decodePayload(r *reader) {
	m.UpdateID = r.u32()
	m.Chunk = r.u16()
	m.Data = r.blob(int(r.u16()))
}

type OTARequestFragments struct {
	Header
	UpdateID uint32   `json:"update_id"`
	Chunks   []uint16 `json:"chunks"`
}

func (*OTARequestFragments) Type() MessageType { return TypeOTARequestFragments }

func (m *OTARequestFragments) encodePayload(w *writer) {
	chunks := m.Chunks
	if len(chunks) > 0xff {
		chunks = chunks[:0xff]
	}
	w.u32(m.UpdateID)
	w.u8(uint8(len(chunks)))
	for _, c := range chunks {
		w.u16(c)
	}
}

func (m *OTARequestFragments) decodePayload(r *reader) {
	m.UpdateID = r.u32()
	n := int(r.u8())
	if n == 0 || r.err != nil {
		return
	}
	m.Chunks = make([]uint16, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.Chunks = append(m.Chunks, r.u16())
	}
}

type OTAApply struct {
	Header
	UpdateID uint32 `json:"update_id"`
	Reboot   bool   `json:"reboot"`
}

func (*OTAApply) Type() MessageType { return TypeOTAApply }

func (m *OTAApply) encodePayload(w *writer) {
	w.u32(m.UpdateID)
	w.boolean(m.Reboot)
}

func (m *OTAApply) decodePayload(r *reader) {
	m.UpdateID = r.u32()
	m.Reboot = r.boolean("reboot")
}

type OTAReboot struct {
	Header
	empty
}

func (*OTAReboot) Type() MessageType { return TypeOTAReboot }

type LocateRequestRange struct {
	Header
	empty
}

func (*LocateRequestRange) Type() MessageType { return TypeLocateRequestRange }

// RangeResult is one peer measurement reported by a locating node.
type RangeResult struct {
	Peer     Address `json:"peer"`
	RSSI     int8    `json:"rssi"`
	Distance uint16  `json:"distance"`
}

const rangeResultLen = AddressLen + 1 + 2

// LocateRangeResults carries ranging results; no results decode as nil.
type LocateRangeResults struct {
	Header
	Ranges []RangeResult `json:"ranges"`
}

func (*LocateRangeResults) Type() MessageType { return TypeLocateRangeResults }

func (m *LocateRangeResults) encodePayload(w *writer) {
	ranges := m.Ranges
	if len(ranges) > 0xff {
		ranges = ranges[:0xff]
	}
	w.u8(uint8(len(ranges)))
	for _, rr := range ranges {
		w.addr(rr.Peer)
		w.i8(rr.RSSI)
		w.u16(rr.Distance)
	}
}

func (m *LocateRangeResults) decodePayload(r *reader) {
	n := int(r.u8())
	if n == 0 || r.err != nil {
		return
	}
	if len(r.buf)-r.off < n*rangeResultLen {
		r.fail("range list of %d entries overruns frame", n)
		return
	}
	m.Ranges = make([]RangeResult, n)
	for i := range m.Ranges {
		m.Ranges[i] = RangeResult{Peer: r.addr(), RSSI: r.i8(), Distance: r.u16()}
	}
}
