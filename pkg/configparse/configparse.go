// Package configparse derives the advisory ParsedConfig view of a
// group's raw start.conf text. The parsed form is never written back
// to the snapshot (pkg/grub rewrites the raw text directly) — it only
// serves API consumers that want structured access to LINBO settings,
// partitions, and OS entries.
package configparse

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/linbo-net/runtime/pkg/types"
)

// Parse derives a ParsedConfig from raw start.conf text. start.conf's
// repeated [Partition] and [OS] stanzas are not representable as
// plain INI sections (ini.v1 only keeps the last section with a given
// name), so this walks the raw section list in file order instead of
// using ini.v1's named-section lookup for those two kinds.
func Parse(raw string) (types.ParsedConfig, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowNonUniqueSections: true,
		Insensitive:            true,
	}, []byte(raw))
	if err != nil {
		return types.ParsedConfig{}, fmt.Errorf("configparse: parse start.conf: %w", err)
	}

	var parsed types.ParsedConfig

	for _, sec := range file.Sections() {
		switch {
		case strings.EqualFold(sec.Name(), "LINBO"):
			parsed.Linbo = parseLinbo(sec)
		case strings.EqualFold(sec.Name(), "Partition"):
			parsed.Partitions = append(parsed.Partitions, parsePartition(sec))
		case strings.EqualFold(sec.Name(), "OS"):
			parsed.OS = append(parsed.OS, parseOS(sec))
		}
	}

	return parsed, nil
}

func parseLinbo(sec *ini.Section) types.LinboSettings {
	timeout, _ := strconv.Atoi(sec.Key("BootTimeout").String())
	return types.LinboSettings{
		Server:        sec.Key("Server").String(),
		Group:         sec.Key("Group").String(),
		Cache:         sec.Key("Cache").String(),
		BootTimeout:   timeout,
		KernelOptions: sec.Key("KernelOptions").String(),
		Locale:        sec.Key("Locale").String(),
	}
}

func parsePartition(sec *ini.Section) types.PartitionRecord {
	return types.PartitionRecord{
		Name:     sec.Key("Label").String(),
		Dev:      sec.Key("Dev").String(),
		Label:    sec.Key("Label").String(),
		FSType:   sec.Key("FSType").String(),
		Size:     sec.Key("Size").String(),
		ID:       sec.Key("Id").String(),
		Bootable: strings.EqualFold(sec.Key("Bootable").String(), "yes"),
	}
}

func parseOS(sec *ini.Section) types.OsRecord {
	return types.OsRecord{
		Name:         sec.Key("Name").String(),
		Version:      sec.Key("Version").String(),
		IconName:     sec.Key("IconName").String(),
		BaseImage:    sec.Key("BaseImage").String(),
		Boot:         sec.Key("Boot").String(),
		Root:         sec.Key("Root").String(),
		Kernel:       sec.Key("Kernel").String(),
		Initrd:       sec.Key("Initrd").String(),
		Append:       sec.Key("Append").String(),
		StartEnabled: strings.EqualFold(sec.Key("StartEnabled").String(), "yes"),
		SyncEnabled:  strings.EqualFold(sec.Key("SyncEnabled").String(), "yes"),
	}
}
