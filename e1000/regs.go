package e1000

// Register byte offsets into the device's memory mapped register space.
const (
	RegCTRL   = 0x00000 // device control
	RegSTATUS = 0x00008 // device status
	RegRCTL   = 0x00100 // receive control
	RegTCTL   = 0x00400 // transmit control
	RegTIPG   = 0x00410 // transmit inter packet gap
	RegRDBAL  = 0x02800 // receive descriptor base address low
	RegRDBAH  = 0x02804 // receive descriptor base address high
	RegRDLEN  = 0x02808 // receive descriptor length
	RegRDH    = 0x02810 // receive descriptor head
	RegRDT    = 0x02818 // receive descriptor tail
	RegTDBAL  = 0x03800 // transmit descriptor base address low
	RegTDBAH  = 0x03804 // transmit descriptor base address high
	RegTDLEN  = 0x03808 // transmit descriptor length
	RegTDH    = 0x03810 // transmit descriptor head
	RegTDT    = 0x03818 // transmit descriptor tail
	RegMTA    = 0x05200 // multicast table array, 128 entries
	RegRAL    = 0x05400 // receive address low
	RegRAH    = 0x05404 // receive address high

	// RegisterSpaceSize is the size of BAR0 on the 8254x.
	RegisterSpaceSize = 0x20000
)

// Transmit control (TCTL) bits.
const (
	TCTLEnable           = 1 << 1     // EN
	TCTLPadShortPackets  = 1 << 3     // PSP
	TCTLCollisionThresh  = 0x00000ff0 // CT, bits 11:4
	TCTLCollisionDist    = 0x003ff000 // COLD, bits 21:12
	tctlCollisionDistPos = 12
)

// Device status (STATUS) bits.
const (
	StatusFullDuplex = 1 << 0 // FD
	StatusLinkUp     = 1 << 1 // LU
)

// Receive control (RCTL) bits.
const (
	RCTLEnable   = 1 << 1  // EN
	RCTLStripCRC = 1 << 26 // SECRC
)

// RAHAddressValid marks a receive address register pair as valid.
const RAHAddressValid = 1 << 31

// Transmit descriptor command bits.
const (
	TxCmdEndOfPacket  = 1 << 0 // EOP
	TxCmdReportStatus = 1 << 3 // RS
)

// Descriptor status bits.
const (
	TxStatusDone = 1 << 0 // DD

	RxStatusDone        = 1 << 0 // DD
	RxStatusEndOfPacket = 1 << 1 // EOP
)

const (
	// fullDuplexCollisionDistance is the COLD value for full duplex
	// operation.
	fullDuplexCollisionDistance = 0x40
	// transmitIPG is the inter packet gap programmed into TIPG.
	transmitIPG = 10
)
