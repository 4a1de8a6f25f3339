package regs

// M_CAN register offsets (byte offsets from the instance base).
const (
	CREL  Reg = 0x00
	ENDN  Reg = 0x04
	DBTP  Reg = 0x0C
	TEST  Reg = 0x10
	CCCR  Reg = 0x18
	NBTP  Reg = 0x1C
	TSCC  Reg = 0x20
	TSCV  Reg = 0x24
	ECR   Reg = 0x40
	PSR   Reg = 0x44
	IR    Reg = 0x50
	IE    Reg = 0x54
	ILE   Reg = 0x5C
	GFC   Reg = 0x80
	SIDFC Reg = 0x84
	XIDFC Reg = 0x88
	XIDAM Reg = 0x90
	NDAT1 Reg = 0x98
	NDAT2 Reg = 0x9C
	RXF0C Reg = 0xA0
	RXF0S Reg = 0xA4
	RXF0A Reg = 0xA8
	RXBC  Reg = 0xAC
	RXF1C Reg = 0xB0
	RXF1S Reg = 0xB4
	RXF1A Reg = 0xB8
	RXESC Reg = 0xBC
	TXBC  Reg = 0xC0
	TXFQS Reg = 0xC4
	TXESC Reg = 0xC8
	TXBRP Reg = 0xCC
	TXBAR Reg = 0xD0
	TXBCR Reg = 0xD4
	TXBTO Reg = 0xD8
	TXBCF Reg = 0xDC
	TXEFC Reg = 0xF0
	TXEFS Reg = 0xF4
	TXEFA Reg = 0xF8
)

// ENDNValue is the fixed endianness test value; reading anything else means
// the core is unreachable (clock gated, bridge down, wrong base address).
const ENDNValue = 0x87654321

// CREL fields.
const (
	CRELRelShift = 28
	CRELRelMask  = 0xF << CRELRelShift
)

// CCCR bits.
const (
	CCCRInit uint32 = 1 << 0
	CCCRCCE  uint32 = 1 << 1
	CCCRASM  uint32 = 1 << 2
	CCCRCSA  uint32 = 1 << 3
	CCCRCSR  uint32 = 1 << 4
	CCCRMon  uint32 = 1 << 5
	CCCRDAR  uint32 = 1 << 6
	CCCRTest uint32 = 1 << 7
	CCCRFDOE uint32 = 1 << 8
	CCCRBRSE uint32 = 1 << 9
)

// TEST bits.
const TESTLbck uint32 = 1 << 4

// PSR fields.
const (
	PSRLECMask uint32 = 0x7
	PSREP      uint32 = 1 << 5
	PSREW      uint32 = 1 << 6
	PSRBO      uint32 = 1 << 7
)

// ECR fields.
const (
	ECRTECMask  uint32 = 0xFF
	ECRRECShift        = 8
	ECRRECMask  uint32 = 0x7F << ECRRECShift
	ECRRP       uint32 = 1 << 15
)

// IR / IE bits (identical positions).
const (
	IRRF0N uint32 = 1 << 0
	IRRF0W uint32 = 1 << 1
	IRRF0F uint32 = 1 << 2
	IRRF0L uint32 = 1 << 3
	IRRF1N uint32 = 1 << 4
	IRRF1W uint32 = 1 << 5
	IRRF1F uint32 = 1 << 6
	IRRF1L uint32 = 1 << 7
	IRTC   uint32 = 1 << 9
	IRTCF  uint32 = 1 << 10
	IRTEFN uint32 = 1 << 12
	IRTEFW uint32 = 1 << 13
	IRTEFF uint32 = 1 << 14
	IRTEFL uint32 = 1 << 15
	IRDRX  uint32 = 1 << 19
	IREP   uint32 = 1 << 23
	IREW   uint32 = 1 << 24
	IRBO   uint32 = 1 << 25
	IRMask uint32 = 0x3FFFFFFF
)

// TXFQS fields.
const (
	TXFQSFreeMask  uint32 = 0x3F
	TXFQSPutShift         = 16
	TXFQSPutMask   uint32 = 0x1F << TXFQSPutShift
	TXFQSQueueFull uint32 = 1 << 21
)

// RXF0S / RXF1S fields (identical positions).
const (
	RXFSFillMask  uint32 = 0x7F
	RXFSGetShift         = 8
	RXFSGetMask   uint32 = 0x3F << RXFSGetShift
	RXFSFull      uint32 = 1 << 24
	RXFSMsgLost   uint32 = 1 << 25
)

// TXEFS fields.
const (
	TXEFSFillMask uint32 = 0x3F
	TXEFSGetShift        = 8
	TXEFSGetMask  uint32 = 0x1F << TXEFSGetShift
	TXEFSFull     uint32 = 1 << 24
	TXEFSLost     uint32 = 1 << 25
)

// Region configuration register field shifts. Start addresses are byte
// offsets into the Message RAM with bits [15:2] significant.
const (
	StartAddrMask uint32 = 0xFFFC

	SIDFCSizeShift = 16 // LSS[23:16]
	XIDFCSizeShift = 16 // LSE[22:16]

	RXFCSizeShift      = 16 // F0S/F1S[22:16]
	RXFCWatermarkShift = 24 // F0WM/F1WM[30:24]
	RXFCOverwrite      = 1 << 31

	TXBCDedicatedShift = 16 // NDTB[21:16]
	TXBCFifoQueueShift = 24 // TFQS[29:24]
	TXBCQueueMode      = uint32(1) << 30

	TXEFCSizeShift      = 16 // EFS[21:16]
	TXEFCWatermarkShift = 24 // EFWM[29:24]

	RXESCF0Shift = 0
	RXESCF1Shift = 4
	RXESCRBShift = 8
	TXESCShift   = 0
)

// NBTP fields.
const (
	NBTPSJWShift   = 25 // NSJW[31:25]
	NBTPBRPShift   = 16 // NBRP[24:16]
	NBTPTSEG1Shift = 8  // NTSEG1[15:8]
	NBTPTSEG2Shift = 0  // NTSEG2[6:0]
)

// DBTP fields.
const (
	DBTPTDC        uint32 = 1 << 23
	DBTPBRPShift          = 16 // DBRP[20:16]
	DBTPTSEG1Shift        = 8  // DTSEG1[12:8]
	DBTPTSEG2Shift        = 4  // DTSEG2[7:4]
	DBTPSJWShift          = 0  // DSJW[3:0]
)

// TSCC fields.
const (
	TSCCInternal uint32 = 0b01 // TSS: internal counter
)
