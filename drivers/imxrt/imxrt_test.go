package imxrt

import (
	"testing"

	"github.com/blackmagic-debug/probecore/spinor"
	"github.com/blackmagic-debug/probecore/target"
	"github.com/blackmagic-debug/probecore/transport"
)

func TestLUTSlotCacheReusesExistingSlot(t *testing.T) {
	tr := transport.NewFake(64)
	tg := &target.Target{Transport: tr}
	c := &Config{}

	cmd := spinor.Encode(spinor.OpcodeReadStatus, spinor.AddrNone, 0, spinor.DirIn)
	slot1, err := lutSlotFor(tg, c, cmd)
	if err != nil {
		t.Fatalf("lutSlotFor: %v", err)
	}
	slot2, err := lutSlotFor(tg, c, cmd)
	if err != nil {
		t.Fatalf("lutSlotFor (again): %v", err)
	}
	if slot1 != slot2 {
		t.Fatalf("expected the same command to reuse its LUT slot, got %d then %d", slot1, slot2)
	}
}

func TestLUTSlotCacheEvictsOldestAfterFourDistinctCommands(t *testing.T) {
	tr := transport.NewFake(64)
	tg := &target.Target{Transport: tr}
	c := &Config{}

	cmds := []spinor.Command{
		spinor.Encode(spinor.OpcodeReadStatus, spinor.AddrNone, 0, spinor.DirIn),
		spinor.Encode(spinor.OpcodeWriteEnable, spinor.AddrNone, 0, spinor.DirNone),
		spinor.Encode(spinor.OpcodePageProgram, spinor.Addr3Byte, 0, spinor.DirOut),
		spinor.Encode(spinor.OpcodeSectorErase4K, spinor.Addr3Byte, 0, spinor.DirNone),
	}
	slots := make([]int, len(cmds))
	for i, cmd := range cmds {
		s, err := lutSlotFor(tg, c, cmd)
		if err != nil {
			t.Fatalf("lutSlotFor(%d): %v", i, err)
		}
		slots[i] = s
	}
	// All four commands fit exactly in the four slots, so the first slot
	// used should belong to the first command still.
	s0again, err := lutSlotFor(tg, c, cmds[0])
	if err != nil {
		t.Fatalf("lutSlotFor(0 again): %v", err)
	}
	if s0again != slots[0] {
		t.Fatalf("expected slot %d still assigned to the first command, got %d", slots[0], s0again)
	}

	// A fifth distinct command evicts the slot installed first. Eviction
	// follows install order, not recent use, so cmds[0]'s slot goes even
	// though cmds[0] was just looked up again.
	fifth := spinor.Encode(spinor.OpcodeChipErase, spinor.AddrNone, 0, spinor.DirNone)
	s5, err := lutSlotFor(tg, c, fifth)
	if err != nil {
		t.Fatalf("lutSlotFor(fifth): %v", err)
	}
	if s5 != slots[0] {
		t.Fatalf("expected the fifth command to evict slot %d (installed first), got %d", slots[0], s5)
	}
}

func TestEnterExitFlashModeRestoresMPUAndMCR0(t *testing.T) {
	tr := transport.NewFake(64)
	tr.MemWrite32(0xE000ED94, 1)
	tr.MemWrite32(flexspiBase+regMCR0, 0x1234)
	tg := &target.Target{Transport: tr, Driver: Driver{}, DriverPriv: &Config{}}

	if err := tg.EnterFlashMode(); err != nil {
		t.Fatalf("enter flash mode: %v", err)
	}
	mpu, _ := tr.MemRead32(0xE000ED94)
	if mpu&1 != 0 {
		t.Fatalf("expected MPU disabled, got %d", mpu)
	}
	tr.MemWrite32(flexspiBase+regMCR0, 0xFFFF) // simulate the controller being reconfigured mid-session

	if err := tg.ExitFlashMode(); err != nil {
		t.Fatalf("exit flash mode: %v", err)
	}
	mcr0, _ := tr.MemRead32(flexspiBase + regMCR0)
	if mcr0 != 0x1234 {
		t.Fatalf("expected MCR0 restored to 0x1234, got 0x%x", mcr0)
	}
	mpu, _ = tr.MemRead32(0xE000ED94)
	if mpu != 1 {
		t.Fatalf("expected MPU restored to 1, got %d", mpu)
	}
}
