package processor

// Data stream names as they appear in upload paths and the chunk registry.
const (
	Accelerometer  = "accelerometer"
	AmbientAudio   = "ambient_audio"
	AndroidLogFile = "app_log"
	Bluetooth      = "bluetooth"
	CallLog        = "calls"
	DeviceMotion   = "devicemotion"
	GPS            = "gps"
	Gyro           = "gyro"
	Identifiers    = "identifiers"
	ImageFile      = "image_survey"
	IOSLogFile     = "ios_log"
	Magnetometer   = "magnetometer"
	PowerState     = "power_state"
	Proximity      = "proximity"
	Reachability   = "reachability"
	SurveyAnswers  = "survey_answers"
	SurveyTimings  = "survey_timings"
	TextsLog       = "texts"
	VoiceRecording = "audio_recordings"
	Wifi           = "wifi"
)

// AllStreams lists every data stream a device can upload.
var AllStreams = []string{
	Accelerometer, AmbientAudio, AndroidLogFile, Bluetooth, CallLog,
	DeviceMotion, GPS, Gyro, Identifiers, ImageFile, IOSLogFile,
	Magnetometer, PowerState, Proximity, Reachability, SurveyAnswers,
	SurveyTimings, TextsLog, VoiceRecording, Wifi,
}

// chunkableStreams are the streams whose files are CSVs that can be sliced
// into hourly time bins. Everything else (audio, images, survey answers) is
// registered as-is against its original storage path.
var chunkableStreams = map[string]bool{
	Accelerometer:  true,
	Bluetooth:      true,
	CallLog:        true,
	GPS:            true,
	Identifiers:    true,
	AndroidLogFile: true,
	PowerState:     true,
	SurveyTimings:  true,
	TextsLog:       true,
	Wifi:           true,
	Proximity:      true,
	Gyro:           true,
	Magnetometer:   true,
	DeviceMotion:   true,
	Reachability:   true,
	IOSLogFile:     true,
}

// surveyDataStreams carry a survey object id in their upload path that must
// be resolved and attached to the chunk registry entry.
var surveyDataStreams = map[string]bool{
	SurveyAnswers: true,
	SurveyTimings: true,
}

func Chunkable(dataStream string) bool { return chunkableStreams[dataStream] }

func IsSurveyData(dataStream string) bool { return surveyDataStreams[dataStream] }

// Device OS identifiers, as reported by the participant registry.
const (
	AndroidAPI = "ANDROID"
	IOSAPI     = "IOS"
)
