package configparse

import "testing"

const sampleStartConf = `[LINBO]
Server = 10.0.0.1
Group = room-a
Cache = /dev/sda3
BootTimeout = 10
KernelOptions = quiet splash
Locale = de-DE

[Partition]
Dev = sda1
Label = system
FSType = ntfs
Size = 40G
Id = 1
Bootable = yes

[Partition]
Dev = sda2
Label = data
FSType = ntfs
Size = 20G
Id = 2
Bootable = no

[OS]
Name = Windows 11
Version = 23H2
Boot = sda1
Root = sda1
StartEnabled = yes
SyncEnabled = yes

[OS]
Name = Ubuntu 24.04
Version = 24.04
Boot = sda2
Root = sda2
StartEnabled = yes
SyncEnabled = no
`

func TestParseLinboSection(t *testing.T) {
	parsed, err := Parse(sampleStartConf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Linbo.Server != "10.0.0.1" {
		t.Errorf("Linbo.Server = %q, want %q", parsed.Linbo.Server, "10.0.0.1")
	}
	if parsed.Linbo.BootTimeout != 10 {
		t.Errorf("Linbo.BootTimeout = %d, want 10", parsed.Linbo.BootTimeout)
	}
	if parsed.Linbo.KernelOptions != "quiet splash" {
		t.Errorf("Linbo.KernelOptions = %q, want %q", parsed.Linbo.KernelOptions, "quiet splash")
	}
}

func TestParseRepeatedPartitionSections(t *testing.T) {
	parsed, err := Parse(sampleStartConf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(parsed.Partitions) != 2 {
		t.Fatalf("len(Partitions) = %d, want 2 (ini.v1 named lookup would collapse these to 1)", len(parsed.Partitions))
	}
	if parsed.Partitions[0].Label != "system" || parsed.Partitions[1].Label != "data" {
		t.Errorf("Partitions = %+v, want [system, data] in file order", parsed.Partitions)
	}
	if !parsed.Partitions[0].Bootable {
		t.Errorf("Partitions[0].Bootable = false, want true")
	}
	if parsed.Partitions[1].Bootable {
		t.Errorf("Partitions[1].Bootable = true, want false")
	}
}

func TestParseRepeatedOSSections(t *testing.T) {
	parsed, err := Parse(sampleStartConf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(parsed.OS) != 2 {
		t.Fatalf("len(OS) = %d, want 2", len(parsed.OS))
	}
	if parsed.OS[0].Name != "Windows 11" || parsed.OS[1].Name != "Ubuntu 24.04" {
		t.Errorf("OS = %+v, want [Windows 11, Ubuntu 24.04] in file order", parsed.OS)
	}
	if !parsed.OS[1].StartEnabled || parsed.OS[1].SyncEnabled {
		t.Errorf("OS[1] flags = StartEnabled=%v SyncEnabled=%v, want true, false", parsed.OS[1].StartEnabled, parsed.OS[1].SyncEnabled)
	}
}
