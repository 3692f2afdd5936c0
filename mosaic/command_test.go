package mosaic

import "testing"

func TestCommand(t *testing.T) {
	cmd := Command{"convert", "in.img", "block=256", "out.mpr", "lossy=true", "extra"}
	var src, dst string
	overflow := cmd.CommandArgs(&src, &dst)
	if src != "in.img" || dst != "out.mpr" {
		t.Errorf("bad positional args: %q %q", src, dst)
	}
	if len(overflow) != 1 || overflow[0] != "extra" {
		t.Errorf("bad overflow: %v", overflow)
	}
	if n, err := cmd.IntParameter(KeyBlockSize, 512); err != nil || n != 256 {
		t.Errorf("expected block 256, got %d (%v)", n, err)
	}
	if n, _ := cmd.IntParameter(KeyWorkers, 4); n != 4 {
		t.Errorf("expected default 4, got %d", n)
	}
	if b, err := cmd.BoolParameter(KeyLossy, false); err != nil || !b {
		t.Errorf("expected lossy=true")
	}
	if _, err := (Command{"x", "block=abc"}).IntParameter(KeyBlockSize, 0); KindOf(err) != InvalidArgument {
		t.Errorf("expected invalid argument for non-integer")
	}
}
