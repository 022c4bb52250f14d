package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.listen", "127.0.0.1:8000")
	v.SetDefault("server.readtimeout", 60*time.Second)
	v.SetDefault("server.writetimeout", 60*time.Second)
	v.SetDefault("server.legacyerrorstatus", false)
	v.SetDefault("server.maxuploadmb", 10)

	v.SetDefault("models.default", "YOLOv8s")
	v.SetDefault("models.variants", []map[string]interface{}{
		{"id": "YOLOv8n", "path": "models/jackfruit_yolov8n.onnx"},
		{"id": "YOLOv8s", "path": "models/jackfruit_yolov8s.onnx"},
	})

	v.SetDefault("onnx.library", "")
	v.SetDefault("onnx.poolsize", 2)
	v.SetDefault("onnx.threads", 0)

	v.SetDefault("detect.confidence", 0.25)
	v.SetDefault("detect.iou", 0.45)

	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.useragent", "")
	v.SetDefault("fetch.maxbytes", 20<<20)

	v.SetDefault("client.api", "http://127.0.0.1:8000")
	v.SetDefault("client.listen", "127.0.0.1:8501")
	v.SetDefault("client.statictimeout", 30*time.Second)
	v.SetDefault("client.webcamtimeout", 5*time.Second)
	v.SetDefault("client.jpegquality", 80)
	v.SetDefault("client.lowlatency.width", 480)
	v.SetDefault("client.lowlatency.height", 360)
}
