package aliyun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aliyun/alibaba-cloud-sdk-go/services/dysmsapi"

	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

// smsSender 便于测试替换
type smsSender interface {
	SendSms(request *dysmsapi.SendSmsRequest) (*dysmsapi.SendSmsResponse, error)
}

// SMSAlerter 通过阿里云短信通知值班电话
type SMSAlerter struct {
	client       smsSender
	signName     string
	templateCode string
	phones       []string
}

var _ out.Alerter = (*SMSAlerter)(nil)

// NewSMSAlerter 创建短信告警
func NewSMSAlerter(region, accessKeyID, accessKeySecret, signName, templateCode string, phones []string) (*SMSAlerter, error) {
	client, err := dysmsapi.NewClientWithAccessKey(region, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("初始化 Aliyun 短信客户端失败：%w", err)
	}
	return &SMSAlerter{client: client, signName: signName, templateCode: templateCode, phones: phones}, nil
}

// templateParams 模板参数：${name} ${project} ${location} ${message}
func templateParams(a entity.Alert) (string, error) {
	name := a.UserName
	if name == "" {
		name = a.UserID
	}
	msg := a.Message
	if len([]rune(msg)) > 30 {
		msg = string([]rune(msg)[:30])
	}
	b, err := json.Marshal(map[string]string{
		"name":     name,
		"project":  a.ProjectID,
		"location": fmt.Sprintf("%.5f,%.5f", a.Coordinates.Lat, a.Coordinates.Lng),
		"message":  msg,
	})
	return string(b), err
}

// Notify 批量发送，单次请求最多 1000 个号码
func (s *SMSAlerter) Notify(_ context.Context, a entity.Alert) error {
	if len(s.phones) == 0 {
		return nil
	}
	params, err := templateParams(a)
	if err != nil {
		return err
	}

	var errs []error
	for start := 0; start < len(s.phones); start += 1000 {
		end := min(start+1000, len(s.phones))
		request := dysmsapi.CreateSendSmsRequest()
		request.Scheme = "https"
		request.PhoneNumbers = strings.Join(s.phones[start:end], ",")
		request.SignName = s.signName
		request.TemplateCode = s.templateCode
		request.TemplateParam = params

		resp, err := s.client.SendSms(request)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if resp.Code != "OK" {
			errs = append(errs, fmt.Errorf("阿里云短信发送失败：%s - %s", resp.Code, resp.Message))
		}
	}
	return errors.Join(errs...)
}
