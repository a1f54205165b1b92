package compreface

// BoundingBox is a detected face's position in the submitted image, in
// pixels of the image as sent (no orientation applied by the service).
type BoundingBox struct {
	XMin        int     `json:"x_min"`
	YMin        int     `json:"y_min"`
	XMax        int     `json:"x_max"`
	YMax        int     `json:"y_max"`
	Probability float64 `json:"probability"`
}

// AgeRange is the service's age estimation.
type AgeRange struct {
	Low         int     `json:"low"`
	High        int     `json:"high"`
	Probability float64 `json:"probability"`
}

// Gender is the service's gender classification.
type Gender struct {
	Value       string  `json:"value"`
	Probability float64 `json:"probability"`
}

// Pose is the head pose estimation in degrees.
type Pose struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`
}

// FaceDetection is one face returned by /detect.
type FaceDetection struct {
	Box       BoundingBox      `json:"box"`
	Landmarks [][]int          `json:"landmarks"`
	Pose      Pose             `json:"pose"`
	Age       AgeRange         `json:"age"`
	Gender    Gender           `json:"gender"`
	Embedding []float64        `json:"embedding,omitempty"`
}

// DetectResponse is the response body of /detect.
type DetectResponse struct {
	Result          []FaceDetection   `json:"result"`
	PluginsVersions map[string]string `json:"plugins_versions"`
}

// SubjectMatch is one candidate identity for a recognized face.
type SubjectMatch struct {
	Subject    string  `json:"subject"`
	Similarity float64 `json:"similarity"`
}

// RecognitionResult is one face returned by /recognize, with its candidate
// subjects ordered by similarity.
type RecognitionResult struct {
	Box       BoundingBox    `json:"box"`
	Landmarks [][]int        `json:"landmarks"`
	Pose      Pose           `json:"pose"`
	Age       AgeRange       `json:"age"`
	Gender    Gender         `json:"gender"`
	Embedding []float64      `json:"embedding,omitempty"`
	Subjects  []SubjectMatch `json:"subjects"`
}

// RecognizeResponse is the response body of /recognize.
type RecognizeResponse struct {
	Result          []RecognitionResult `json:"result"`
	PluginsVersions map[string]string   `json:"plugins_versions"`
}

// AddFaceResponse is returned when a face example is added to a subject.
type AddFaceResponse struct {
	ImageID string `json:"image_id"`
	Subject string `json:"subject"`
}

// SubjectListResponse lists the subjects known to the recognition service.
type SubjectListResponse struct {
	Subjects []string `json:"subjects"`
}
