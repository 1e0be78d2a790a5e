package deepgram

type Voice string

const (
	VoiceThalia    Voice = "aura-2-thalia-en"
	VoiceAndromeda Voice = "aura-2-andromeda-en"
	VoiceHelena    Voice = "aura-2-helena-en"
	VoiceApollo    Voice = "aura-2-apollo-en"
	VoiceArcas     Voice = "aura-2-arcas-en"
	VoiceAries     Voice = "aura-2-aries-en"
	VoiceAsteria   Voice = "aura-asteria-en"
	VoiceLuna      Voice = "aura-luna-en"
	VoiceOrion     Voice = "aura-orion-en"
	VoicePerseus   Voice = "aura-perseus-en"

	defaultVoice = VoiceThalia
)

func GetAvailableVoices() []Voice {
	return []Voice{
		VoiceThalia,
		VoiceAndromeda,
		VoiceHelena,
		VoiceApollo,
		VoiceArcas,
		VoiceAries,
		VoiceAsteria,
		VoiceLuna,
		VoiceOrion,
		VoicePerseus,
	}
}
