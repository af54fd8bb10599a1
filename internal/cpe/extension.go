package cpe

// Имена поддерживаемых расширений протокола
const (
	CustomBlocks      = "CustomBlocks"
	HeldBlock         = "HeldBlock"
	ExtendedPositions = "ExtendedPositions"
	FullCP437         = "FullCP437"
	EmoteFix          = "EmoteFix"
	LongerMessages    = "LongerMessages"
	TwoWayPing        = "TwoWayPing"
)

// CustomBlocksLevel уровень поддержки CustomBlocks, который объявляет сервер
const CustomBlocksLevel = 1

// Extension пара "имя расширения + версия"
type Extension struct {
	Name    string
	Version int32
}

// ServerExtensions возвращает список расширений, объявляемых сервером
func ServerExtensions() []Extension {
	return []Extension{
		{Name: CustomBlocks, Version: 1},
		{Name: HeldBlock, Version: 1},
		{Name: ExtendedPositions, Version: 1},
		{Name: FullCP437, Version: 1},
		{Name: EmoteFix, Version: 1},
		{Name: LongerMessages, Version: 1},
		{Name: TwoWayPing, Version: 1},
	}
}
