package regnum

import "testing"

func TestAMD64Names(t *testing.T) {
	for name, num := range map[string]int{"rip": AMD64_Rip, "rsp": AMD64_Rsp, "pc": AMD64_Rip, "eflags": AMD64_Rflags, "r15": AMD64_R15} {
		if got := AMD64NameToDwarf[name]; got != num {
			t.Errorf("AMD64NameToDwarf[%q] = %d, expected %d", name, got, num)
		}
	}
	if AMD64ToName(AMD64_Rbp) != "Rbp" {
		t.Errorf("wrong name for rbp: %s", AMD64ToName(AMD64_Rbp))
	}
	if AMD64ToName(200) != "unknown200" {
		t.Errorf("wrong name for unknown register: %s", AMD64ToName(200))
	}
	if AMD64MaxRegNum() != AMD64_Gs_base {
		t.Errorf("wrong max register %d", AMD64MaxRegNum())
	}
}
