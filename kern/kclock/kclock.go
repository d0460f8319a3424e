// Package kclock implements the small CMOS/RTC register slice spec.md
// §4.3 needs from the "glue" budget line: acknowledging the RTC's
// periodic-interrupt status register so the clock IRQ keeps firing.
// spec.md §1 lists the CMOS/RTC register layer itself as an external
// collaborator with a fixed interface but unspecified internals; this
// package is that fixed interface, grounded directly on
// original_source/kern/kclock.c's read_cmos/write_cmos/rtc_check_status.
package kclock

import "exonix/kern/archio"

const (
	cmosIndexPort = 0x70
	cmosDataPort  = 0x71

	// regC is the RTC status register whose read clears any pending
	// periodic-interrupt flag; not reading it would leave the RTC
	// convinced an interrupt is still outstanding and it would stop
	// raising new ones.
	regC = 0x0C
)

// AckInterrupt reads CMOS register C, clearing the RTC's pending
// periodic-interrupt flag so future ticks continue to fire. Grounded
// on original_source/kern/kclock.c's rtc_check_status, which performs
// exactly this read and discards the value.
func AckInterrupt(cpu archio.CPU) {
	cpu.Outb(cmosIndexPort, regC)
	_ = cpu.Inb(cmosDataPort)
}

// ReadRegister reads an arbitrary CMOS register, mirroring
// original_source/kern/kclock.c's read_cmos macro. Exposed for tests
// that want to assert on the index/data port protocol; the monitor's
// command table has no command that calls it.
func ReadRegister(cpu archio.CPU, reg uint8) uint8 {
	cpu.Outb(cmosIndexPort, reg)
	return cpu.Inb(cmosDataPort)
}

// WriteRegister writes an arbitrary CMOS register.
func WriteRegister(cpu archio.CPU, reg, value uint8) {
	cpu.Outb(cmosIndexPort, reg)
	cpu.Outb(cmosDataPort, value)
}
